// Package vocab holds the built-in property vocabulary that sinks seed into
// their schema. Property IDs follow the Dublin Core Terms ordering, so a
// mapping written as {"dcterms:title": 1} resolves to the same ID in every
// sink.
package vocab

import (
	"regexp"
	"strings"
)

// Property is a single vocabulary term.
type Property struct {
	ID    int
	Term  string // prefixed form, e.g. "dcterms:title"
	Label string
}

// termRegex matches a prefixed term such as "dcterms:title" or "bibo:isbn10".
var termRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*:[A-Za-z_][A-Za-z0-9_.-]*$`)

// DublinCore lists the dcterms vocabulary in canonical order.
var DublinCore = []Property{
	{1, "dcterms:title", "Title"},
	{2, "dcterms:creator", "Creator"},
	{3, "dcterms:subject", "Subject"},
	{4, "dcterms:description", "Description"},
	{5, "dcterms:publisher", "Publisher"},
	{6, "dcterms:contributor", "Contributor"},
	{7, "dcterms:date", "Date"},
	{8, "dcterms:type", "Type"},
	{9, "dcterms:format", "Format"},
	{10, "dcterms:identifier", "Identifier"},
	{11, "dcterms:source", "Source"},
	{12, "dcterms:language", "Language"},
	{13, "dcterms:relation", "Relation"},
	{14, "dcterms:coverage", "Coverage"},
	{15, "dcterms:rights", "Rights"},
	{16, "dcterms:audience", "Audience"},
	{17, "dcterms:alternative", "Alternative Title"},
	{18, "dcterms:tableOfContents", "Table Of Contents"},
	{19, "dcterms:abstract", "Abstract"},
	{20, "dcterms:created", "Date Created"},
	{21, "dcterms:valid", "Date Valid"},
	{22, "dcterms:available", "Date Available"},
	{23, "dcterms:issued", "Date Issued"},
	{24, "dcterms:modified", "Date Modified"},
	{25, "dcterms:extent", "Extent"},
	{26, "dcterms:medium", "Medium"},
	{27, "dcterms:isVersionOf", "Is Version Of"},
	{28, "dcterms:hasVersion", "Has Version"},
	{29, "dcterms:isReplacedBy", "Is Replaced By"},
	{30, "dcterms:replaces", "Replaces"},
	{31, "dcterms:isRequiredBy", "Is Required By"},
	{32, "dcterms:requires", "Requires"},
	{33, "dcterms:isPartOf", "Is Part Of"},
	{34, "dcterms:hasPart", "Has Part"},
	{35, "dcterms:isReferencedBy", "Is Referenced By"},
	{36, "dcterms:references", "References"},
	{37, "dcterms:isFormatOf", "Is Format Of"},
	{38, "dcterms:hasFormat", "Has Format"},
	{39, "dcterms:conformsTo", "Conforms To"},
	{40, "dcterms:spatial", "Spatial Coverage"},
	{41, "dcterms:temporal", "Temporal Coverage"},
	{42, "dcterms:mediator", "Mediator"},
	{43, "dcterms:dateAccepted", "Date Accepted"},
	{44, "dcterms:dateCopyrighted", "Date Copyrighted"},
	{45, "dcterms:dateSubmitted", "Date Submitted"},
	{46, "dcterms:educationLevel", "Audience Education Level"},
	{47, "dcterms:accessRights", "Access Rights"},
	{48, "dcterms:bibliographicCitation", "Bibliographic Citation"},
	{49, "dcterms:license", "License"},
	{50, "dcterms:rightsHolder", "Rights Holder"},
	{51, "dcterms:provenance", "Provenance"},
	{52, "dcterms:instructionalMethod", "Instructional Method"},
	{53, "dcterms:accrualMethod", "Accrual Method"},
	{54, "dcterms:accrualPeriodicity", "Accrual Periodicity"},
	{55, "dcterms:accrualPolicy", "Accrual Policy"},
}

// InternalID is the pseudo-property that matches a record by its own ID.
const InternalID = "internal_id"

var byTerm = func() map[string]Property {
	m := make(map[string]Property, len(DublinCore))
	for _, p := range DublinCore {
		m[strings.ToLower(p.Term)] = p
	}
	return m
}()

// Lookup finds a built-in property by term (case-insensitive).
func Lookup(term string) (Property, bool) {
	p, ok := byTerm[strings.ToLower(strings.TrimSpace(term))]
	return p, ok
}

// ValidTerm reports whether term has the "prefix:localName" shape.
func ValidTerm(term string) bool {
	return termRegex.MatchString(term)
}
