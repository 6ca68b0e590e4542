package catalog

import "strings"

// Data type tags assigned to files from the portal listing.
const (
	DataTypeCRISPR     = "CRISPR"
	DataTypeRNAi       = "RNAi"
	DataTypeExpression = "Expression"
	DataTypeMutations  = "Mutations"
	DataTypeCN         = "CN"
	DataTypeDrugScreen = "Drug screen"
	DataTypeProtein    = "Protein Expression"
	DataTypeMetabolite = "Metabolomics"
	DataTypeMetadata   = "Metadata"
)

type dataTypeRule struct {
	dataType string
	// all of the fragments must appear in the lowercased filename
	fragments []string
}

// Order matters: the first matching rule wins.
var dataTypeRules = []dataTypeRule{
	{DataTypeCRISPR, []string{"crispr"}},
	{DataTypeRNAi, []string{"rnai"}},
	{DataTypeExpression, []string{"expression"}},
	{DataTypeMutations, []string{"mutation"}},
	{DataTypeCN, []string{"copy", "number"}},
	{DataTypeDrugScreen, []string{"drug"}},
	{DataTypeDrugScreen, []string{"prism"}},
	{DataTypeProtein, []string{"protein"}},
	{DataTypeProtein, []string{"rppa"}},
	{DataTypeMetabolite, []string{"metabol"}},
	{DataTypeMetadata, []string{"subtype"}},
	{DataTypeMetadata, []string{"model"}},
}

// InferDataType guesses the data type of a file from its name. It returns an
// empty string when nothing matches.
func InferDataType(filename string) string {
	name := strings.ToLower(filename)

rules:
	for _, r := range dataTypeRules {
		for _, frag := range r.fragments {
			if !strings.Contains(name, frag) {
				continue rules
			}
		}

		return r.dataType
	}

	return ""
}
