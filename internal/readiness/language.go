package readiness

// Languages is the closed set of source-language tags a quest may declare.
// Matching is case-sensitive and exact; a repository with an unknown or
// empty language matches every quest.
var Languages = []string{
	"go",
	"typescript",
	"javascript",
	"python",
	"java",
	"kotlin",
	"rust",
	"csharp",
	"ruby",
	"php",
	"swift",
}

func knownLanguage(tag string) bool {
	for _, l := range Languages {
		if l == tag {
			return true
		}
	}
	return false
}
