package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/types/edm"
)

// Options holds the system query options that apply to a collection. Top and Skip are
// ignored when zero.
type Options struct {
	Filter    string
	Expand    Expansion
	Select    Selection
	OrderBy   string
	Top       int
	Skip      int
	SkipToken string
}

type OptionDecoratorFunc func(o *Options)

func Filter(expression string) OptionDecoratorFunc {
	return func(o *Options) {
		o.Filter = expression
	}
}

func Expand(paths ...string) OptionDecoratorFunc {
	return func(o *Options) {
		o.Expand = ParseExpansion(paths...)
	}
}

func Select(paths ...string) OptionDecoratorFunc {
	return func(o *Options) {
		o.Select = ParseSelection(paths...)
	}
}

func OrderBy(expression string) OptionDecoratorFunc {
	return func(o *Options) {
		o.OrderBy = expression
	}
}

func Top(n int) OptionDecoratorFunc {
	return func(o *Options) {
		o.Top = n
	}
}

func Skip(n int) OptionDecoratorFunc {
	return func(o *Options) {
		o.Skip = n
		o.SkipToken = ""
	}
}

func SkipToken(token string) OptionDecoratorFunc {
	return func(o *Options) {
		o.SkipToken = token
		o.Skip = 0
	}
}

// Expansion maps the name of a navigation property to the expansion of its target
type Expansion map[string]Expansion

func ParseExpansion(paths ...string) Expansion {
	e := Expansion{}
	for _, p := range splitPaths(paths) {
		current := e
		for _, segment := range strings.Split(p, "/") {
			next, ok := current[segment]
			if !ok || next == nil {
				next = Expansion{}
				current[segment] = next
			}
			current = next
		}
	}
	return e
}

func (e Expansion) String() string {
	return strings.Join(e.paths(), ",")
}

func (e Expansion) paths() []string {
	names := sortedKeys(e)
	paths := []string{}
	for _, name := range names {
		sub := e[name]
		if len(sub) == 0 {
			paths = append(paths, name)
			continue
		}
		for _, p := range sub.paths() {
			paths = append(paths, name+"/"+p)
		}
	}
	return paths
}

// Selection maps a property name to the selection applied to it. Only navigation
// properties have non empty selections.
type Selection map[string]Selection

func ParseSelection(paths ...string) Selection {
	s := Selection{}
	for _, p := range splitPaths(paths) {
		current := s
		segments := strings.Split(p, "/")
		for i, segment := range segments {
			next, ok := current[segment]
			if !ok || next == nil {
				next = Selection{}
				current[segment] = next
			}
			if i == len(segments)-1 {
				break
			}
			current = next
		}
	}
	return s
}

func (s Selection) String() string {
	return strings.Join(s.paths(), ",")
}

func (s Selection) paths() []string {
	names := sortedKeys(s)
	paths := []string{}
	for _, name := range names {
		sub := s[name]
		if len(sub) == 0 {
			paths = append(paths, name)
			continue
		}
		for _, p := range sub.paths() {
			paths = append(paths, name+"/"+p)
		}
	}
	return paths
}

func (s Selection) All() bool {
	_, ok := s["*"]
	return ok
}

// AddKeys makes sure that the key properties of set, and of every expanded entity set that
// has a nested selection, are part of the selection
func AddKeys(set *edm.EntitySet, expand Expansion, sel Selection) {
	if len(sel) == 0 || sel.All() {
		return
	}

	for _, k := range set.Keys() {
		if _, ok := sel[k]; !ok {
			sel[k] = Selection{}
		}
	}

	for name, sub := range expand {
		np, ok := set.NavigationProperty(name)
		if !ok {
			continue
		}

		if nested, ok := sel[name]; ok {
			AddKeys(np.Target, sub, nested)
		}
	}
}

var unescaper = strings.NewReplacer(
	"+", "%20",
	"%24", "$", "%27", "'", "%28", "(", "%29", ")",
	"%2A", "*", "%2C", ",", "%2F", "/", "%3A", ":",
)

func Escape(value string) string {
	return unescaper.Replace(url.QueryEscape(value))
}

// Encode returns the query string for the options that are set. The order of the
// options is always $filter, $expand, $select, $orderby, $top, $skip and $skiptoken.
func (o Options) Encode() string {
	params := make([]string, 0, 7)

	if o.Filter != "" {
		params = append(params, "$filter="+Escape(o.Filter))
	}
	if len(o.Expand) > 0 {
		params = append(params, "$expand="+Escape(o.Expand.String()))
	}
	if len(o.Select) > 0 {
		params = append(params, "$select="+Escape(o.Select.String()))
	}
	if o.OrderBy != "" {
		params = append(params, "$orderby="+Escape(o.OrderBy))
	}
	if o.Top > 0 {
		params = append(params, "$top="+strconv.Itoa(o.Top))
	}
	if o.Skip > 0 {
		params = append(params, "$skip="+strconv.Itoa(o.Skip))
	}
	if o.SkipToken != "" {
		params = append(params, "$skiptoken="+Escape(o.SkipToken))
	}

	return strings.Join(params, "&")
}

// Apply appends the encoded options to base
func (o Options) Apply(base string) string {
	q := o.Encode()
	if q == "" {
		return base
	}

	if strings.Contains(base, "?") {
		return base + "&" + q
	}

	return base + "?" + q
}

func SkipTokenFromURL(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", false
	}

	token := values.Get("$skiptoken")
	return token, token != ""
}

func splitPaths(paths []string) []string {
	result := []string{}
	for _, p := range paths {
		for _, part := range strings.Split(p, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
