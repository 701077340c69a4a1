package drops

import (
	"strings"

	"golang.org/x/text/cases"
)

// NamesMatch compares a claimed name with a character name using Unicode case
// folding after trimming and collapsing whitespace.
func NamesMatch(claimed, character string) bool {
	left := foldName(claimed)
	return left != "" && left == foldName(character)
}

var folder = cases.Fold()

func foldName(value string) string {
	return folder.String(strings.Join(strings.Fields(value), " "))
}
