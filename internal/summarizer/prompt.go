package summarizer

import (
	"fmt"

	"github.com/ingestforge/ingestforge/internal/domain"
)

// templates maps each node kind to its prompt template (spec.md §4.9 step
// 2: "select a prompt template by node kind"). %s placeholders are the
// node's key and its extracted content, in that order.
var templates = map[domain.NodeKind]string{
	domain.KindFile: "Summarize the purpose and public surface of this source file %q " +
		"in two or three sentences, for a developer browsing a code map. " +
		"Source:\n\n%s",
	domain.KindClass: "Summarize the responsibility of the type %q, given the summaries " +
		"of its members below. Mention what it is used for, not how each " +
		"member works.\n\n%s",
	domain.KindFunction: "Summarize in one or two sentences what the function %q does, " +
		"its inputs/outputs, and any notable side effects. Source:\n\n%s",
	domain.KindModule: "Summarize the role of the module %q within the repository, " +
		"given the summaries of the files and types it contains.\n\n%s",
	domain.KindDirectory: "Summarize what the directory %q is for, given the summaries of " +
		"its contents below.\n\n%s",
	domain.KindRepository: "Write a concise top-level summary of the repository %q, given " +
		"the summaries of its top-level directories and files below.\n\n%s",
}

// promptFor renders the template for kind. An unrecognized kind (there is
// none in dagKinds, but a collapsed SCC keeps its members' shared kind)
// falls back to the Function template, the most common leaf case.
func promptFor(kind domain.NodeKind, key, content string) string {
	tmpl, ok := templates[kind]
	if !ok {
		tmpl = templates[domain.KindFunction]
	}
	return fmt.Sprintf(tmpl, key, content)
}
