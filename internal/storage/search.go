package storage

import "fmt"

// SearchKind restricts a search to one entity kind.
type SearchKind string

const (
	SearchAll       SearchKind = "all"
	SearchGenes     SearchKind = "genes"
	SearchCellLines SearchKind = "cell-lines"
	SearchDatasets  SearchKind = "datasets"
)

// DefaultSearchLimit caps each kind's results when no limit is given.
const DefaultSearchLimit = 50

// ParseSearchKind maps user input to a SearchKind. Empty input means all.
func ParseSearchKind(s string) (SearchKind, error) {
	switch SearchKind(s) {
	case "", SearchAll:
		return SearchAll, nil
	case SearchGenes, SearchCellLines, SearchDatasets:
		return SearchKind(s), nil
	}

	return "", fmt.Errorf("unknown search kind %q", s)
}

// Includes reports whether k covers other.
func (k SearchKind) Includes(other SearchKind) bool {
	return k == SearchAll || k == other
}

// SearchResult is one of GeneResult, CellLineResult or DatasetResult.
type SearchResult interface {
	Kind() SearchKind
	Title() string
	isSearchResult()
}

type GeneResult struct {
	GeneDependency
}

func (GeneResult) Kind() SearchKind { return SearchGenes }

func (r GeneResult) Title() string {
	return fmt.Sprintf("%s (%d) in %s", r.Gene, r.EntrezID, r.Dataset)
}

func (GeneResult) isSearchResult() {}

type CellLineResult struct {
	CellLine
}

func (CellLineResult) Kind() SearchKind { return SearchCellLines }

func (r CellLineResult) Title() string {
	if r.Lineage == "" {
		return r.Name
	}

	return fmt.Sprintf("%s (%s)", r.Name, r.Lineage)
}

func (CellLineResult) isSearchResult() {}

type DatasetResult struct {
	Dataset
}

func (DatasetResult) Kind() SearchKind { return SearchDatasets }

func (r DatasetResult) Title() string {
	return fmt.Sprintf("%s [%s]", r.DisplayName, r.DataType)
}

func (DatasetResult) isSearchResult() {}
