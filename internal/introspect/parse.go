// Package introspect answers "describe this class" questions for PHP code by
// parsing source files with tree-sitter instead of loading them into a
// running interpreter.
package introspect

import (
	"fmt"
	"os"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_php "github.com/tree-sitter/tree-sitter-php/bindings/go"
)

// Declaration kinds
const (
	KindClass     = "class"
	KindInterface = "interface"
	KindTrait     = "trait"
	KindEnum      = "enum"
)

// MemberKind classifies class members
type MemberKind int

const (
	MemberConstant MemberKind = iota
	MemberMethod
	MemberProperty
)

// Visibility levels, spelled as in source
const (
	VisibilityPublic    = "public"
	VisibilityProtected = "protected"
	VisibilityPrivate   = "private"
)

// Member is one constant, method or property declared in a class body
type Member struct {
	Name       string // Without the leading $ for properties
	Kind       MemberKind
	Visibility string
	Static     bool
	Final      bool
	Abstract   bool
	Line       int
	Doc        string   // Raw doc comment including /** */
	Params     []string // Parameter names without $
	ReturnType string   // Declared return type for methods, declared type for properties
	Value      string   // Initializer text for constants
}

// ClassInfo describes one class-like declaration
type ClassInfo struct {
	Name       string // Fully qualified, no leading backslash
	Kind       string
	Path       string
	Line       int
	Doc        string
	Final      bool
	Abstract   bool
	Parent     string   // Fully qualified parent class, empty for none
	Interfaces []string // Directly implemented (or, for interfaces, extended) interfaces
	Traits     []string
	Members    []Member
	Namespace  string
	Imports    map[string]string
}

// ShortName returns the class name without its namespace
func (c *ClassInfo) ShortName() string {
	if i := strings.LastIndex(c.Name, `\`); i >= 0 {
		return c.Name[i+1:]
	}
	return c.Name
}

// FileInfo is everything the parser extracted from one source file
type FileInfo struct {
	Path      string
	Namespace string            // First namespace declared in the file
	Imports   map[string]string // Class imports of the first namespace, alias to FQN
	Classes   []*ClassInfo
}

// Class finds a declaration by fully qualified name, case-insensitively
// as PHP resolves class names
func (f *FileInfo) Class(name string) *ClassInfo {
	name = strings.TrimPrefix(name, `\`)
	for _, c := range f.Classes {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// ParseFile reads and parses one PHP file
func ParseFile(path string) (*FileInfo, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSource(path, src)
}

// ParseSource parses PHP source attributed to path
func ParseSource(path string, src []byte) (*FileInfo, error) {
	parser := tree_sitter.NewParser()
	defer parser.Close()

	if err := parser.SetLanguage(tree_sitter.NewLanguage(tree_sitter_php.LanguagePHP())); err != nil {
		return nil, fmt.Errorf("introspect: load php grammar: %w", err)
	}

	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, fmt.Errorf("introspect: parse %s failed", path)
	}
	defer tree.Close()

	fi := &FileInfo{Path: path, Imports: map[string]string{}}
	w := &fileWalker{src: src, file: fi}
	w.walkStatements(tree.RootNode(), newScope(""))
	return fi, nil
}

// scope is the namespace and imports in effect for a run of statements
type scope struct {
	namespace string
	imports   map[string]string
}

func newScope(ns string) *scope {
	return &scope{namespace: ns, imports: map[string]string{}}
}

type fileWalker struct {
	src      []byte
	file     *FileInfo
	sawScope bool
}

func (w *fileWalker) walkStatements(node *tree_sitter.Node, sc *scope) {
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}

		switch child.Kind() {
		case "namespace_definition":
			ns := nodeText(findChild(child, "namespace_name"), w.src)
			if body := child.ChildByFieldName("body"); body != nil {
				inner := newScope(ns)
				w.record(inner)
				w.walkStatements(body, inner)
				continue
			}
			// Unbraced namespace applies to the rest of the file
			sc = newScope(ns)
			w.record(sc)

		case "namespace_use_declaration":
			w.record(sc)
			w.collectUses(child, sc)

		case "class_declaration", "interface_declaration", "trait_declaration", "enum_declaration":
			w.record(sc)
			if c := w.classFrom(child, sc); c != nil {
				w.file.Classes = append(w.file.Classes, c)
			}
		}
	}
}

// record makes the first scope seen the file-level namespace and imports
func (w *fileWalker) record(sc *scope) {
	if w.sawScope {
		return
	}
	w.sawScope = true
	w.file.Namespace = sc.namespace
	w.file.Imports = sc.imports
}

func (w *fileWalker) collectUses(node *tree_sitter.Node, sc *scope) {
	// use function / use const imports do not name classes
	if t := node.ChildByFieldName("type"); t != nil {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "function", "const":
			return
		case "namespace_use_clause":
			w.addUseClause(child, "", sc)
		case "namespace_use_group":
			prefix := nodeText(findChild(node, "namespace_name"), w.src)
			for j := uint(0); j < child.ChildCount(); j++ {
				clause := child.Child(j)
				if clause != nil && (clause.Kind() == "namespace_use_clause" || clause.Kind() == "namespace_use_group_clause") {
					w.addUseClause(clause, prefix, sc)
				}
			}
		}
	}
}

func (w *fileWalker) addUseClause(clause *tree_sitter.Node, prefix string, sc *scope) {
	if t := clause.ChildByFieldName("type"); t != nil {
		return
	}

	var target, alias string
	for i := uint(0); i < clause.ChildCount(); i++ {
		child := clause.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "qualified_name", "namespace_name":
			if target == "" {
				target = nodeText(child, w.src)
			}
		case "name":
			if target == "" {
				target = nodeText(child, w.src)
			} else {
				alias = nodeText(child, w.src)
			}
		case "namespace_aliasing_clause":
			alias = nodeText(findChild(child, "name"), w.src)
		}
	}
	if a := clause.ChildByFieldName("alias"); a != nil {
		alias = nodeText(a, w.src)
	}

	target = strings.TrimPrefix(target, `\`)
	if target == "" {
		return
	}
	if prefix != "" {
		target = strings.TrimPrefix(prefix, `\`) + `\` + target
	}
	if alias == "" {
		alias = lastSegment(target)
	}
	sc.imports[alias] = target
}

func (w *fileWalker) classFrom(node *tree_sitter.Node, sc *scope) *ClassInfo {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		nameNode = findChild(node, "name")
	}
	if nameNode == nil {
		return nil
	}

	c := &ClassInfo{
		Name:      qualify(sc.namespace, nodeText(nameNode, w.src)),
		Path:      w.file.Path,
		Line:      int(node.StartPosition().Row) + 1,
		Doc:       w.docFor(node),
		Namespace: sc.namespace,
		Imports:   sc.imports,
	}

	switch node.Kind() {
	case "class_declaration":
		c.Kind = KindClass
	case "interface_declaration":
		c.Kind = KindInterface
	case "trait_declaration":
		c.Kind = KindTrait
	case "enum_declaration":
		c.Kind = KindEnum
	}

	mods := w.modifiers(node)
	c.Final = mods["final"]
	c.Abstract = mods["abstract"]

	if base := findChild(node, "base_clause"); base != nil {
		names := w.typeNames(base, sc)
		if c.Kind == KindInterface {
			c.Interfaces = append(c.Interfaces, names...)
		} else if len(names) > 0 {
			c.Parent = names[0]
		}
	}
	if impl := findChild(node, "class_interface_clause"); impl != nil {
		c.Interfaces = append(c.Interfaces, w.typeNames(impl, sc)...)
	}

	body := node.ChildByFieldName("body")
	if body == nil {
		body = findChild(node, "declaration_list")
	}
	if body != nil {
		w.collectMembers(body, c, sc)
	}
	return c
}

// typeNames resolves every class name listed in an extends/implements clause
func (w *fileWalker) typeNames(clause *tree_sitter.Node, sc *scope) []string {
	var names []string
	for i := uint(0); i < clause.ChildCount(); i++ {
		child := clause.Child(i)
		if child == nil {
			continue
		}
		if child.Kind() == "name" || child.Kind() == "qualified_name" {
			names = append(names, ResolveName(nodeText(child, w.src), sc.namespace, sc.imports))
		}
	}
	return names
}

func (w *fileWalker) collectMembers(body *tree_sitter.Node, c *ClassInfo, sc *scope) {
	for i := uint(0); i < body.ChildCount(); i++ {
		child := body.Child(i)
		if child == nil {
			continue
		}

		switch child.Kind() {
		case "method_declaration":
			c.Members = append(c.Members, w.method(child))
		case "property_declaration":
			c.Members = append(c.Members, w.properties(child)...)
		case "const_declaration":
			c.Members = append(c.Members, w.constants(child)...)
		case "use_declaration":
			c.Traits = append(c.Traits, w.typeNames(child, sc)...)
		}
	}

	// Interface members are implicitly public and abstract
	if c.Kind == KindInterface {
		for i := range c.Members {
			if c.Members[i].Kind == MemberMethod {
				c.Members[i].Abstract = true
			}
		}
	}
}

func (w *fileWalker) method(node *tree_sitter.Node) Member {
	mods := w.modifiers(node)
	m := Member{
		Name:       nodeText(findChild(node, "name"), w.src),
		Kind:       MemberMethod,
		Visibility: visibilityOf(mods),
		Static:     mods["static"],
		Final:      mods["final"],
		Abstract:   mods["abstract"],
		Line:       int(node.StartPosition().Row) + 1,
		Doc:        w.docFor(node),
	}

	if params := findChild(node, "formal_parameters"); params != nil {
		for i := uint(0); i < params.ChildCount(); i++ {
			p := params.Child(i)
			if p == nil {
				continue
			}
			switch p.Kind() {
			case "simple_parameter", "variadic_parameter", "property_promotion_parameter":
				name := nodeText(findChild(p, "variable_name"), w.src)
				m.Params = append(m.Params, strings.TrimPrefix(name, "$"))
			}
		}
	}

	if rt := node.ChildByFieldName("return_type"); rt != nil {
		m.ReturnType = strings.TrimSpace(nodeText(rt, w.src))
	}
	return m
}

func (w *fileWalker) properties(node *tree_sitter.Node) []Member {
	mods := w.modifiers(node)
	doc := w.docFor(node)
	typeHint := ""
	if t := node.ChildByFieldName("type"); t != nil {
		typeHint = nodeText(t, w.src)
	}

	var out []Member
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil || child.Kind() != "property_element" {
			continue
		}
		name := nodeText(findChild(child, "variable_name"), w.src)
		out = append(out, Member{
			Name:       strings.TrimPrefix(name, "$"),
			Kind:       MemberProperty,
			Visibility: visibilityOf(mods),
			Static:     mods["static"],
			Line:       int(child.StartPosition().Row) + 1,
			Doc:        doc,
			ReturnType: typeHint,
		})
	}
	return out
}

func (w *fileWalker) constants(node *tree_sitter.Node) []Member {
	mods := w.modifiers(node)
	doc := w.docFor(node)

	var out []Member
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil || child.Kind() != "const_element" {
			continue
		}
		m := Member{
			Kind:       MemberConstant,
			Visibility: visibilityOf(mods),
			Static:     true,
			Final:      mods["final"],
			Line:       int(child.StartPosition().Row) + 1,
			Doc:        doc,
		}
		for j := uint(0); j < child.NamedChildCount(); j++ {
			part := child.NamedChild(j)
			if part == nil {
				continue
			}
			if m.Name == "" && part.Kind() == "name" {
				m.Name = nodeText(part, w.src)
				continue
			}
			m.Value = nodeText(part, w.src)
		}
		out = append(out, m)
	}
	return out
}

// modifiers collects the keyword modifiers attached to a declaration
func (w *fileWalker) modifiers(node *tree_sitter.Node) map[string]bool {
	mods := map[string]bool{}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		if strings.HasSuffix(child.Kind(), "_modifier") {
			mods[strings.ToLower(nodeText(child, w.src))] = true
		}
	}
	return mods
}

// docFor returns the /** */ comment directly preceding a declaration
func (w *fileWalker) docFor(node *tree_sitter.Node) string {
	prev := node.PrevSibling()
	for prev != nil && prev.Kind() == "attribute_list" {
		prev = prev.PrevSibling()
	}
	if prev == nil || prev.Kind() != "comment" {
		return ""
	}
	text := nodeText(prev, w.src)
	if !strings.HasPrefix(text, "/**") {
		return ""
	}
	return text
}

func visibilityOf(mods map[string]bool) string {
	switch {
	case mods[VisibilityPrivate]:
		return VisibilityPrivate
	case mods[VisibilityProtected]:
		return VisibilityProtected
	}
	return VisibilityPublic
}

// ResolveName turns a class reference as written in source into a fully
// qualified name using the namespace and imports in effect
func ResolveName(name, namespace string, imports map[string]string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, `\`) {
		return strings.TrimPrefix(name, `\`)
	}
	if strings.HasPrefix(strings.ToLower(name), `namespace\`) {
		return qualify(namespace, name[len(`namespace\`):])
	}

	head, rest, qualified := strings.Cut(name, `\`)
	if target, ok := imports[head]; ok {
		if qualified {
			return target + `\` + rest
		}
		return target
	}
	return qualify(namespace, name)
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + `\` + name
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, `\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

func findChild(node *tree_sitter.Node, kind string) *tree_sitter.Node {
	if node == nil {
		return nil
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child != nil && child.Kind() == kind {
			return child
		}
	}
	return nil
}

func nodeText(node *tree_sitter.Node, src []byte) string {
	if node == nil {
		return ""
	}
	start, end := node.StartByte(), node.EndByte()
	if start > uint(len(src)) || end > uint(len(src)) || start > end {
		return ""
	}
	return string(src[start:end])
}
