package classmap

import (
	"fmt"
	"path/filepath"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_php "github.com/tree-sitter/tree-sitter-php/bindings/go"
)

// parseComposer reads composer's autoload_classmap.php without running PHP.
// It evaluates the small expression language the generated file uses:
// string literals, concatenation, magic path constants, dirname() and variables
// assigned earlier in the file.
func parseComposer(path string, src []byte) (map[string]string, error) {
	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tree_sitter.NewLanguage(tree_sitter_php.LanguagePHP())); err != nil {
		return nil, err
	}

	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, fmt.Errorf("parse failed")
	}
	defer tree.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	ev := &evaluator{
		src:  src,
		file: abs,
		vars: map[string]string{},
	}

	root := tree.RootNode()
	for i := uint(0); i < root.ChildCount(); i++ {
		stmt := root.Child(i)
		if stmt == nil {
			continue
		}
		switch stmt.Kind() {
		case "expression_statement":
			ev.assign(stmt)
		case "return_statement":
			arr := firstNamed(stmt)
			for arr != nil && arr.Kind() == "parenthesized_expression" {
				arr = firstNamed(arr)
			}
			if arr == nil || arr.Kind() != "array_creation_expression" {
				return nil, fmt.Errorf("class map does not return an array")
			}
			return ev.array(arr)
		}
	}
	return nil, fmt.Errorf("class map has no return statement")
}

type evaluator struct {
	src  []byte
	file string
	vars map[string]string
}

func (ev *evaluator) assign(stmt *tree_sitter.Node) {
	expr := firstNamed(stmt)
	if expr == nil || expr.Kind() != "assignment_expression" {
		return
	}
	left := expr.ChildByFieldName("left")
	right := expr.ChildByFieldName("right")
	if left == nil || right == nil || left.Kind() != "variable_name" {
		return
	}
	if v, err := ev.eval(right); err == nil {
		ev.vars[ev.text(left)] = v
	}
}

func (ev *evaluator) array(arr *tree_sitter.Node) (map[string]string, error) {
	entries := map[string]string{}
	for i := uint(0); i < arr.NamedChildCount(); i++ {
		el := arr.NamedChild(i)
		if el == nil || el.Kind() != "array_element_initializer" {
			continue
		}
		if el.NamedChildCount() != 2 {
			return nil, fmt.Errorf("line %d: class map entry without key", el.StartPosition().Row+1)
		}
		key, err := ev.eval(el.NamedChild(0))
		if err != nil {
			return nil, err
		}
		val, err := ev.eval(el.NamedChild(1))
		if err != nil {
			return nil, err
		}
		entries[key] = filepath.Clean(val)
	}
	return entries, nil
}

func (ev *evaluator) eval(n *tree_sitter.Node) (string, error) {
	switch n.Kind() {
	case "string":
		return unquoteSingle(ev.text(n)), nil
	case "encapsed_string":
		return unquoteDouble(ev.text(n)), nil
	case "variable_name":
		v, ok := ev.vars[ev.text(n)]
		if !ok {
			return "", fmt.Errorf("line %d: undefined variable %s", n.StartPosition().Row+1, ev.text(n))
		}
		return v, nil
	case "name":
		switch ev.text(n) {
		case "__DIR__":
			return filepath.Dir(ev.file), nil
		case "__FILE__":
			return ev.file, nil
		}
	case "parenthesized_expression":
		if inner := firstNamed(n); inner != nil {
			return ev.eval(inner)
		}
	case "binary_expression":
		op := n.ChildByFieldName("operator")
		left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
		if op != nil && ev.text(op) == "." && left != nil && right != nil {
			l, err := ev.eval(left)
			if err != nil {
				return "", err
			}
			r, err := ev.eval(right)
			if err != nil {
				return "", err
			}
			return l + r, nil
		}
	case "function_call_expression":
		if fn := n.ChildByFieldName("function"); fn != nil && strings.EqualFold(ev.text(fn), "dirname") {
			args := n.ChildByFieldName("arguments")
			if args != nil {
				if arg := firstNamed(args); arg != nil && arg.NamedChildCount() > 0 {
					v, err := ev.eval(arg.NamedChild(0))
					if err != nil {
						return "", err
					}
					return filepath.Dir(v), nil
				}
			}
		}
	}
	return "", fmt.Errorf("line %d: unsupported expression %q", n.StartPosition().Row+1, ev.text(n))
}

func (ev *evaluator) text(n *tree_sitter.Node) string {
	start, end := n.StartByte(), n.EndByte()
	if end > uint(len(ev.src)) || start > end {
		return ""
	}
	return string(ev.src[start:end])
}

func firstNamed(n *tree_sitter.Node) *tree_sitter.Node {
	if n == nil || n.NamedChildCount() == 0 {
		return nil
	}
	return n.NamedChild(0)
}

// unquoteSingle decodes a single-quoted PHP literal, where only \\ and \'
// are escapes
func unquoteSingle(s string) string {
	if len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '\\' || s[i+1] == '\'') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// unquoteDouble decodes the escapes composer could emit in a double-quoted literal
func unquoteDouble(s string) string {
	if len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\', '"', '$':
				i++
			case 'n':
				i++
				b.WriteByte('\n')
				continue
			case 't':
				i++
				b.WriteByte('\t')
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
