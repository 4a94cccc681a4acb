package h2mux

import (
	"net/url"
	"strings"

	"github.com/advdv/h2mux/internal/trie"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Reverser keeps track of named patterns and  allows building URLS.
type Reverser struct {
	pats map[string]string
}

// NewReverser inits the reverser.
func NewReverser() *Reverser {
	return &Reverser{make(map[string]string)}
}

// Reverse reverses the named pattern into a url. Values are substituted for the ":param" and "*rest"
// segments in order.
func (r Reverser) Reverse(name string, vals ...string) (string, error) {
	pat, ok := r.pats[name]
	if !ok {
		return "", errors.Newf("no pattern named: %q, got: %v", name, lo.Keys(r.pats))
	}

	res, err := build(pat, vals)
	if err != nil {
		return "", errors.Wrap(err, "failed to build")
	}

	return res, nil
}

// Named is a convenience method that panics if naming the pattern fails.
func (r Reverser) Named(name, str string) string {
	str, err := r.NamedPattern(name, str)
	if err != nil {
		panic("h2mux: " + err.Error())
	}

	return str
}

// NamedPattern will parse 's' as a path pattern while returning it as well.
func (r Reverser) NamedPattern(name, str string) (string, error) {
	if _, exists := r.pats[name]; exists {
		return str, errors.Newf("pattern with name %q already exists", name)
	}

	if err := trie.Validate(str); err != nil {
		return str, errors.Wrap(err, "failed to parse pattern")
	}

	r.pats[name] = str

	return str, nil
}

func build(pat string, vals []string) (string, error) {
	segs := strings.Split(pat, "/")
	for i, seg := range segs {
		if seg == "" || (seg[0] != ':' && seg[0] != '*') {
			continue
		}

		if len(vals) == 0 {
			return "", errors.Newf("not enough values for %q", pat)
		}

		if seg[0] == ':' {
			segs[i] = url.PathEscape(vals[0])
		} else {
			segs[i] = (&url.URL{Path: strings.TrimPrefix(vals[0], "/")}).EscapedPath()
		}

		vals = vals[1:]
	}

	if len(vals) > 0 {
		return "", errors.Newf("too many values for %q: %v", pat, vals)
	}

	return strings.Join(segs, "/"), nil
}
