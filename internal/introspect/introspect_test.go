package introspect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapLocator map[string]string

func (m mapLocator) Locate(class string) (string, bool) {
	p, ok := m[class]
	return p, ok
}

const baseSrc = `<?php
namespace App;

/**
 * Base of everything.
 */
abstract class Base implements \Countable
{
    const VERSION = '1.0';

    /** @var Logger */
    protected $logger;

    private $secret;

    public static $instances = 0;

    /**
     * Count things.
     * @return int
     */
    public function count(): int { return 0; }

    private function hidden() {}
}
`

const implSrc = `<?php
namespace App;

use App\Support\Logger;
use App\Support\{Clock, Timer as T};

final class Impl extends Base implements IThing
{
    use Helpers;

    /**
     * Build a thing.
     *
     * @return static|null
     */
    public static function make(int $size, ...$rest) { return new static(); }

    public function thing($a, $b): ?Logger { return null; }

    public function name() { return 'impl'; }

    final protected function clock(): Clock|T {}
}
`

const ithingSrc = `<?php
namespace App;

interface IThing extends Named
{
    public function thing($a, $b);
}
`

const namedSrc = `<?php
namespace App;

interface Named
{
    public function name();
}
`

const helpersSrc = `<?php
namespace App;

trait Helpers
{
    public function help() {}
}
`

func writeFixtures(t *testing.T) (string, mapLocator) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"Base.php":    baseSrc,
		"Impl.php":    implSrc,
		"IThing.php":  ithingSrc,
		"Named.php":   namedSrc,
		"Helpers.php": helpersSrc,
	}
	loc := mapLocator{}
	for name, src := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
		loc[`App\`+name[:len(name)-len(".php")]] = p
	}
	return dir, loc
}

func newTestDescriber(t *testing.T) (*Describer, string) {
	t.Helper()
	dir, loc := writeFixtures(t)
	d, err := NewDescriber(loc, 16)
	require.NoError(t, err)
	return d, dir
}

func TestParseSource_ClassShape(t *testing.T) {
	fi, err := ParseSource("Impl.php", []byte(implSrc))
	require.NoError(t, err)

	assert.Equal(t, "App", fi.Namespace)
	assert.Equal(t, map[string]string{
		"Logger": `App\Support\Logger`,
		"Clock":  `App\Support\Clock`,
		"T":      `App\Support\Timer`,
	}, fi.Imports)

	require.Len(t, fi.Classes, 1)
	c := fi.Classes[0]
	assert.Equal(t, `App\Impl`, c.Name)
	assert.Equal(t, KindClass, c.Kind)
	assert.Equal(t, 7, c.Line)
	assert.True(t, c.Final)
	assert.Equal(t, `App\Base`, c.Parent)
	assert.Equal(t, []string{`App\IThing`}, c.Interfaces)
	assert.Equal(t, []string{`App\Helpers`}, c.Traits)
	assert.Equal(t, "Impl", c.ShortName())

	names := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"make", "thing", "name", "clock"}, names)

	factory := c.Members[0]
	assert.True(t, factory.Static)
	assert.Equal(t, VisibilityPublic, factory.Visibility)
	assert.Equal(t, []string{"size", "rest"}, factory.Params)
	assert.Contains(t, factory.Doc, "@return static|null")
	assert.Equal(t, 16, factory.Line)

	clock := c.Members[3]
	assert.True(t, clock.Final)
	assert.Equal(t, VisibilityProtected, clock.Visibility)
	assert.Equal(t, "Clock|T", clock.ReturnType)
}

func TestParseSource_MembersAndConstants(t *testing.T) {
	fi, err := ParseSource("Base.php", []byte(baseSrc))
	require.NoError(t, err)
	c := fi.Class(`\app\base`)
	require.NotNil(t, c)

	assert.True(t, c.Abstract)
	assert.Equal(t, []string{"Countable"}, c.Interfaces)
	assert.Contains(t, c.Doc, "Base of everything.")

	byName := map[string]Member{}
	for _, m := range c.Members {
		byName[m.Name] = m
	}
	assert.Equal(t, MemberConstant, byName["VERSION"].Kind)
	assert.Equal(t, "'1.0'", byName["VERSION"].Value)
	assert.Equal(t, MemberProperty, byName["logger"].Kind)
	assert.Equal(t, VisibilityProtected, byName["logger"].Visibility)
	assert.Equal(t, VisibilityPrivate, byName["secret"].Visibility)
	assert.True(t, byName["instances"].Static)
	assert.Equal(t, "int", byName["count"].ReturnType)
}

func TestParseSource_InterfaceExtends(t *testing.T) {
	fi, err := ParseSource("IThing.php", []byte(ithingSrc))
	require.NoError(t, err)
	c := fi.Class(`App\IThing`)
	require.NotNil(t, c)
	assert.Equal(t, KindInterface, c.Kind)
	assert.Empty(t, c.Parent)
	assert.Equal(t, []string{`App\Named`}, c.Interfaces)
	require.Len(t, c.Members, 1)
	assert.True(t, c.Members[0].Abstract)
}

func TestParseSource_BracedNamespaces(t *testing.T) {
	src := `<?php
namespace One {
    class A {}
}
namespace Two {
    use One\A;
    class B extends A {}
}
`
	fi, err := ParseSource("multi.php", []byte(src))
	require.NoError(t, err)
	require.Len(t, fi.Classes, 2)
	assert.Equal(t, `One\A`, fi.Classes[0].Name)
	assert.Equal(t, `Two\B`, fi.Classes[1].Name)
	assert.Equal(t, `One\A`, fi.Classes[1].Parent)
	assert.Equal(t, "One", fi.Namespace)
}

func TestParseSource_GlobalNamespace(t *testing.T) {
	fi, err := ParseSource("g.php", []byte("<?php\nclass Plain extends Other {}\n"))
	require.NoError(t, err)
	require.Len(t, fi.Classes, 1)
	assert.Equal(t, "Plain", fi.Classes[0].Name)
	assert.Equal(t, "Other", fi.Classes[0].Parent)
	assert.Empty(t, fi.Namespace)
}

func TestResolveName(t *testing.T) {
	imports := map[string]string{"Logger": `Vendor\Log\Logger`, "Sub": `Vendor\Sub`}
	tests := []struct {
		in, want string
	}{
		{`\Fully\Qualified`, `Fully\Qualified`},
		{"Logger", `Vendor\Log\Logger`},
		{`Sub\Thing`, `Vendor\Sub\Thing`},
		{"Local", `App\Local`},
		{`namespace\Here`, `App\Here`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveName(tt.in, "App", imports), tt.in)
	}
	assert.Equal(t, "Local", ResolveName("Local", "", nil))
}

func TestDescriber_DescribeTransitiveInterfaces(t *testing.T) {
	d, _ := newTestDescriber(t)

	info, err := d.Describe(context.Background(), `App\Impl`)
	require.NoError(t, err)
	assert.Equal(t, `App\Impl`, info.Name)
	assert.Equal(t, `App\Base`, info.Parent)
	assert.Equal(t, []string{`App\IThing`, `App\Named`, "Countable"}, info.Interfaces)

	iface, err := d.Describe(context.Background(), `\App\IThing`)
	require.NoError(t, err)
	assert.Empty(t, iface.Parent)
	assert.Equal(t, []string{`App\Named`}, iface.Interfaces)
}

func TestDescriber_NotFound(t *testing.T) {
	d, dir := newTestDescriber(t)
	ctx := context.Background()

	_, err := d.Describe(ctx, `App\Missing`)
	assert.ErrorIs(t, err, ErrNotFound)

	// Located file that does not declare the class
	d2, err := NewDescriber(mapLocator{`App\Ghost`: filepath.Join(dir, "Base.php")}, 0)
	require.NoError(t, err)
	_, err = d2.Describe(ctx, `App\Ghost`)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unreadable file
	d3, err := NewDescriber(mapLocator{`App\Gone`: filepath.Join(dir, "nope.php")}, 0)
	require.NoError(t, err)
	_, err = d3.Describe(ctx, `App\Gone`)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescriber_CancelledContext(t *testing.T) {
	d, _ := newTestDescriber(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Describe(ctx, `App\Impl`)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDescriber_FileCacheRevalidates(t *testing.T) {
	d, dir := newTestDescriber(t)
	path := filepath.Join(dir, "Named.php")

	first, err := d.File(path)
	require.NoError(t, err)
	again, err := d.File(path)
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("<?php\nnamespace App;\ninterface Named { public function name(); public function alias(); }\n"), 0o644))
	changed, err := d.File(path)
	require.NoError(t, err)
	assert.NotSame(t, first, changed)
	assert.Len(t, changed.Classes[0].Members, 2)

	d.Forget(path)
	_, ok := d.cache.Get(path)
	assert.False(t, ok)
}

func words(items []CompletionItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Word)
	}
	return out
}

func TestDescriber_Info(t *testing.T) {
	d, _ := newTestDescriber(t)
	ctx := context.Background()

	items, err := d.Info(ctx, `App\Impl`, "", StaticBoth, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"VERSION", "make", "thing", "name", "clock", "help", "count", "logger", "instances"}, words(items))

	byWord := map[string]CompletionItem{}
	for _, it := range items {
		byWord[it.Word] = it
	}
	assert.Equal(t, "+ @ VERSION = '1.0'", byWord["VERSION"].Abbr)
	assert.Equal(t, ItemConstant, byWord["VERSION"].Kind)
	assert.Equal(t, " +@ make (size, rest)", byWord["make"].Abbr)
	assert.Equal(t, " !# clock ()", byWord["clock"].Abbr)
	assert.Equal(t, "  # logger", byWord["logger"].Abbr)
	assert.Equal(t, " +@ instances", byWord["instances"].Abbr)
	assert.Equal(t, ItemFunction, byWord["make"].Kind)
	assert.Equal(t, ItemProperty, byWord["logger"].Kind)
	assert.Contains(t, byWord["make"].Info, "Build a thing.")
	assert.Equal(t, 1, byWord["make"].ICase)
}

func TestDescriber_InfoFilters(t *testing.T) {
	d, _ := newTestDescriber(t)
	ctx := context.Background()

	static, err := d.Info(ctx, `App\Impl`, "", StaticOnly, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"VERSION", "make", "instances"}, words(static))

	instance, err := d.Info(ctx, `App\Impl`, "", NonStaticOnly, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"VERSION", "thing", "name", "help", "count"}, words(instance))

	prefixed, err := d.Info(ctx, `App\Impl`, "c", StaticBoth, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"clock", "count"}, words(prefixed))

	_, err = d.Info(ctx, `App\Nope`, "", StaticBoth, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionItem_Value(t *testing.T) {
	v := CompletionItem{Word: "make", Abbr: "x", Kind: ItemFunction, Info: "doc", ICase: 1}.Value()
	assert.Equal(t, map[string]interface{}{"word": "make", "abbr": "x", "kind": "f", "info": "doc", "icase": 1}, v)

	c := CompletionItem{Word: "A", Abbr: "+ @ A = 1", Kind: ItemConstant, ICase: 1}.Value()
	assert.NotContains(t, c, "info")
}

func TestParseStaticFilter(t *testing.T) {
	assert.Equal(t, StaticBoth, ParseStaticFilter("both"))
	assert.Equal(t, StaticOnly, ParseStaticFilter("only_static"))
	assert.Equal(t, NonStaticOnly, ParseStaticFilter("only_nonstatic"))
	assert.Equal(t, StaticBoth, ParseStaticFilter("bogus"))
}

func TestModifierGlyphs(t *testing.T) {
	assert.Equal(t, "+", ModifierGlyphs(Member{Visibility: VisibilityPublic}))
	assert.Equal(t, "!-@", ModifierGlyphs(Member{Visibility: VisibilityPrivate, Final: true, Static: true}))
	assert.Equal(t, "#", ModifierGlyphs(Member{Visibility: VisibilityProtected}))
}

func TestDescriber_Location(t *testing.T) {
	d, dir := newTestDescriber(t)
	ctx := context.Background()

	path, line, err := d.Location(ctx, `App\Impl`, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Impl.php"), path)
	assert.Equal(t, 7, line)

	path, line, err = d.Location(ctx, `App\Impl`, "COUNT")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Base.php"), path)
	assert.Equal(t, 22, line)

	_, _, err = d.Location(ctx, `App\Impl`, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescriber_Doc(t *testing.T) {
	d, dir := newTestDescriber(t)
	ctx := context.Background()

	path, doc, err := d.Doc(ctx, `App\Impl`, "logger")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Base.php"), path)
	assert.Equal(t, "@var Logger", doc)

	path, doc, err = d.Doc(ctx, `App\Impl`, "count")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Base.php"), path)
	// The opening fence leaves its newline behind
	assert.Equal(t, "\nCount things.\n@return int", doc)

	_, _, err = d.Doc(ctx, `App\Impl`, "secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescriber_NSUse(t *testing.T) {
	d, dir := newTestDescriber(t)

	ns, err := d.NSUse(filepath.Join(dir, "Impl.php"))
	require.NoError(t, err)
	assert.Equal(t, "App", ns.Namespace)
	assert.Equal(t, "Impl", ns.Class)
	assert.Equal(t, `App\Support\Timer`, ns.Imports["T"])

	v := ns.Value()
	assert.Equal(t, "App", v["namespace"])
	assert.Equal(t, "Impl", v["class"])
	assert.Equal(t, `App\Support\Logger`, v["imports"].(map[string]interface{})["Logger"])

	_, err = d.NSUse(filepath.Join(dir, "missing.php"))
	assert.Error(t, err)
}

func TestDescriber_FuncType(t *testing.T) {
	d, _ := newTestDescriber(t)
	ctx := context.Background()

	tests := []struct {
		member string
		want   []string
	}{
		{"thing", []string{`\App\Support\Logger`}},
		{"make", []string{`\App\Impl`}},
		{"clock", []string{`\App\Support\Clock`, `\App\Support\Timer`}},
		{"count", []string{}},
		{"logger", []string{`\App\Logger`}},
		{"help", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			got, err := d.FuncType(ctx, `App\Impl`, tt.member)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := d.FuncType(ctx, `App\Impl`, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearDoc(t *testing.T) {
	doc := "/**\n     * Summary line.\n     *\n     * @param int $a\n     */"
	assert.Equal(t, "\nSummary line.\n\n@param int $a", ClearDoc(doc))
	assert.Equal(t, "", ClearDoc(""))
	assert.Equal(t, " @var Logger ", stripDocMarkers("/** @var Logger */"))
}
