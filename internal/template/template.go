// Package template renders SQL templates into executable SQL text. A
// template is plain SQL with {{.name}} references into a caller-supplied
// context map; a reference to an absent variable is an error, never an
// empty expansion, so broken SQL is caught before it reaches a backend.
package template

import (
	"os"
	"strings"
	"text/template"
	"text/template/parse"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

// Render expands the context map into the template text and returns the
// resulting SQL. Malformed template syntax or a reference to a variable
// missing from the context returns a TEMPLATE error.
func Render(text string, context map[string]any) (string, error) {
	tmpl, err := template.New("sql").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", gauerrors.Wrap(gauerrors.ErrCategoryTemplate, gauerrors.CodeInvalidSyntax, "failed to parse SQL template", err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, context); err != nil {
		return "", gauerrors.NewTemplateError("failed to render SQL template", err)
	}
	return sb.String(), nil
}

// RenderFile reads a SQL template from disk and renders it.
func RenderFile(path string, context map[string]any) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", gauerrors.NewTemplateError("failed to read SQL template file", err)
	}
	return Render(string(raw), context)
}

// References reports whether the template text references the given
// context variable. Used to verify that a caller's insert template carries
// the chunk predicate placeholder before any mutation happens.
func References(text, name string) bool {
	tmpl, err := template.New("sql").Parse(text)
	if err != nil {
		return false
	}
	found := false
	for _, node := range tmpl.Root.Nodes {
		walk(node, name, &found)
	}
	return found
}

func walk(node parse.Node, name string, found *bool) {
	if node == nil || *found {
		return
	}
	switch n := node.(type) {
	case *parse.ActionNode:
		walkPipe(n.Pipe, name, found)
	case *parse.IfNode:
		walkPipe(n.Pipe, name, found)
		walkList(n.List, name, found)
		walkList(n.ElseList, name, found)
	case *parse.RangeNode:
		walkPipe(n.Pipe, name, found)
		walkList(n.List, name, found)
		walkList(n.ElseList, name, found)
	case *parse.WithNode:
		walkPipe(n.Pipe, name, found)
		walkList(n.List, name, found)
		walkList(n.ElseList, name, found)
	}
}

func walkList(list *parse.ListNode, name string, found *bool) {
	if list == nil {
		return
	}
	for _, node := range list.Nodes {
		walk(node, name, found)
	}
}

func walkPipe(pipe *parse.PipeNode, name string, found *bool) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			if field, ok := arg.(*parse.FieldNode); ok {
				if len(field.Ident) > 0 && field.Ident[0] == name {
					*found = true
					return
				}
			}
		}
	}
}
