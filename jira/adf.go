package jira

import "strings"

// adfNode is a minimal Atlassian Document Format node, enough to
// flatten a v3 description into plain text.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// Block-level node types that get their own line when flattened.
var adfBlockTypes = map[string]bool{
	"paragraph":  true,
	"heading":    true,
	"codeBlock":  true,
	"listItem":   true,
	"blockquote": true,
}

// plainText walks the document depth-first and joins text nodes,
// separating block nodes with newlines.
func (n adfNode) plainText() string {
	var b strings.Builder
	n.writeText(&b)
	return b.String()
}

func (n adfNode) writeText(b *strings.Builder) {
	if n.Type == "text" {
		b.WriteString(n.Text)
		return
	}
	if n.Type == "hardBreak" {
		b.WriteString("\n")
		return
	}
	for _, child := range n.Content {
		child.writeText(b)
		if adfBlockTypes[child.Type] {
			b.WriteString("\n")
		}
	}
}
