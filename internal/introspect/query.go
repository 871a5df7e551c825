package introspect

import (
	"context"
	"regexp"
	"strings"
)

// StaticFilter restricts completion to static or instance members
type StaticFilter int

const (
	StaticBoth StaticFilter = iota
	StaticOnly
	NonStaticOnly
)

// ParseStaticFilter maps the editor's argument, unknown values mean both
func ParseStaticFilter(s string) StaticFilter {
	switch s {
	case "only_static":
		return StaticOnly
	case "only_nonstatic":
		return NonStaticOnly
	}
	return StaticBoth
}

func (f StaticFilter) allows(static bool) bool {
	switch f {
	case StaticOnly:
		return static
	case NonStaticOnly:
		return !static
	}
	return true
}

// Completion item kinds as the editor's completion menu expects them
const (
	ItemConstant = "d"
	ItemFunction = "f"
	ItemProperty = "p"
)

// CompletionItem is one entry of an info() answer
type CompletionItem struct {
	Word  string
	Abbr  string
	Kind  string
	Info  string
	ICase int
}

// Value renders the item as the map sent over the wire
func (c CompletionItem) Value() map[string]interface{} {
	v := map[string]interface{}{
		"word":  c.Word,
		"abbr":  c.Abbr,
		"kind":  c.Kind,
		"icase": c.ICase,
	}
	if c.Kind != ItemConstant {
		v["info"] = c.Info
	}
	return v
}

// Info lists completion items for class members whose name starts with
// pattern. Constants are always listed; methods and properties honour the
// static filter, and publicOnly hides protected and private members.
func (d *Describer) Info(ctx context.Context, class, pattern string, filter StaticFilter, publicOnly bool) ([]CompletionItem, error) {
	members, err := d.Members(ctx, class)
	if err != nil {
		return nil, err
	}

	var consts, methods, props []CompletionItem
	for _, m := range members {
		if pattern != "" && !strings.HasPrefix(m.Name, pattern) {
			continue
		}

		switch m.Kind {
		case MemberConstant:
			consts = append(consts, CompletionItem{
				Word:  m.Name,
				Abbr:  "+ @ " + m.Name + " = " + m.Value,
				Kind:  ItemConstant,
				ICase: 1,
			})
		case MemberMethod:
			if !filter.allows(m.Static) || (publicOnly && m.Visibility != VisibilityPublic) {
				continue
			}
			methods = append(methods, CompletionItem{
				Word:  m.Name,
				Abbr:  padModifiers(m.Member) + " " + m.Name + " (" + strings.Join(m.Params, ", ") + ")",
				Kind:  ItemFunction,
				Info:  ClearDoc(m.Doc),
				ICase: 1,
			})
		case MemberProperty:
			if !filter.allows(m.Static) || (publicOnly && m.Visibility != VisibilityPublic) {
				continue
			}
			props = append(props, CompletionItem{
				Word:  m.Name,
				Abbr:  padModifiers(m.Member) + " " + m.Name,
				Kind:  ItemProperty,
				Info:  stripDocMarkers(m.Doc),
				ICase: 1,
			})
		}
	}

	items := make([]CompletionItem, 0, len(consts)+len(methods)+len(props))
	items = append(items, consts...)
	items = append(items, methods...)
	return append(items, props...), nil
}

// ModifierGlyphs renders final, visibility and static as ! - # + @
func ModifierGlyphs(m Member) string {
	var b strings.Builder
	if m.Final {
		b.WriteByte('!')
	}
	switch m.Visibility {
	case VisibilityPrivate:
		b.WriteByte('-')
	case VisibilityProtected:
		b.WriteByte('#')
	default:
		b.WriteByte('+')
	}
	if m.Static {
		b.WriteByte('@')
	}
	return b.String()
}

// padModifiers right-aligns the glyphs in a three column field
func padModifiers(m Member) string {
	g := ModifierGlyphs(m)
	if len(g) < 3 {
		g = strings.Repeat(" ", 3-len(g)) + g
	}
	return g
}

// Location returns where a class, or one of its methods, is declared
func (d *Describer) Location(ctx context.Context, class, method string) (string, int, error) {
	if method == "" {
		c, err := d.Class(ctx, class)
		if err != nil {
			return "", 0, err
		}
		return c.Path, c.Line, nil
	}

	m, err := d.Member(ctx, class, method, MemberMethod)
	if err != nil {
		return "", 0, err
	}
	return m.Owner.Path, m.Line, nil
}

// Doc returns the declaring file and cleaned doc comment of a property or
// method, properties taking precedence
func (d *Describer) Doc(ctx context.Context, class, name string) (string, string, error) {
	m, err := d.Member(ctx, class, strings.TrimPrefix(name, "$"), MemberProperty, MemberMethod)
	if err != nil {
		return "", "", err
	}
	return m.Owner.Path, ClearDoc(m.Doc), nil
}

// NSUse is the namespace summary of one file
type NSUse struct {
	Namespace string
	Imports   map[string]string
	Class     string // Short name of the first declared class-like type
}

// Value renders the summary as the map sent over the wire
func (n *NSUse) Value() map[string]interface{} {
	imports := make(map[string]interface{}, len(n.Imports))
	for alias, fqn := range n.Imports {
		imports[alias] = fqn
	}
	return map[string]interface{}{
		"namespace": n.Namespace,
		"imports":   imports,
		"class":     n.Class,
	}
}

// NSUse summarises the namespace, class imports and first class of a file
func (d *Describer) NSUse(path string) (*NSUse, error) {
	fi, err := d.File(path)
	if err != nil {
		return nil, err
	}
	out := &NSUse{Namespace: fi.Namespace, Imports: map[string]string{}}
	for alias, fqn := range fi.Imports {
		out.Imports[alias] = fqn
	}
	if len(fi.Classes) > 0 {
		out.Class = fi.Classes[0].ShortName()
	}
	return out, nil
}

var primitiveTypes = map[string]bool{
	"array":    true,
	"bool":     true,
	"callable": true,
	"double":   true,
	"float":    true,
	"int":      true,
	"mixed":    true,
	"null":     true,
	"object":   true,
	"resource": true,
	"scalar":   true,
	"string":   true,
	"void":     true,
	// Declared return types can also spell these
	"false":    true,
	"true":     true,
	"iterable": true,
	"never":    true,
	"boolean":  true,
	"integer":  true,
}

var docTypeTag = regexp.MustCompile(`@(return|var)\s+(\S+)`)

// FuncType lists the fully qualified class types a method returns, or a
// property holds, taken from the declared type first and the @return or
// @var doc tag otherwise. Primitive types are dropped.
func (d *Describer) FuncType(ctx context.Context, class, name string) ([]string, error) {
	m, err := d.Member(ctx, class, strings.TrimPrefix(name, "$"), MemberMethod, MemberProperty)
	if err != nil {
		return nil, err
	}

	if m.ReturnType != "" {
		if types := resolveTypes(m.ReturnType, m.Owner); len(types) > 0 {
			return types, nil
		}
	}

	match := docTypeTag.FindStringSubmatch(ClearDoc(m.Doc))
	if match == nil {
		return []string{}, nil
	}
	return resolveTypes(match[2], m.Owner), nil
}

// resolveTypes splits a union type and resolves each class part relative
// to the declaring class's file
func resolveTypes(declared string, owner *ClassInfo) []string {
	types := []string{}
	for _, t := range strings.FieldsFunc(declared, func(r rune) bool { return r == '|' || r == '&' }) {
		t = strings.Trim(strings.TrimSpace(t), "()")
		t = strings.TrimPrefix(t, "?")
		t = strings.TrimSuffix(t, "[]")
		if t == "" || primitiveTypes[strings.ToLower(t)] {
			continue
		}

		switch strings.ToLower(t) {
		case "static", "$this", "self":
			t = owner.Name
		case "parent":
			if owner.Parent == "" {
				continue
			}
			t = owner.Parent
		default:
			t = ResolveName(t, owner.Namespace, owner.Imports)
		}
		types = append(types, `\`+t)
	}
	return types
}

var (
	docLeader  = regexp.MustCompile(`(?m)[ \t]*\* ?`)
	docFence   = regexp.MustCompile(`\s*/|/\s*`)
	docMarkers = regexp.MustCompile(`/?\*(\*|/)?`)
)

// ClearDoc strips comment fences and leading asterisks from a doc comment
func ClearDoc(doc string) string {
	doc = docLeader.ReplaceAllString(doc, "")
	return docFence.ReplaceAllString(doc, "")
}

// stripDocMarkers removes only the comment markers, keeping layout
func stripDocMarkers(doc string) string {
	return docMarkers.ReplaceAllString(doc, "")
}
