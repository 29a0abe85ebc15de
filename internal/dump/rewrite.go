package dump

import (
	"sort"
	"strconv"
	"strings"
)

// Rewriter replaces source URLs and directories with the target's in row
// values. PHP-serialized values keep valid length prefixes.
type Rewriter struct {
	replacer *strings.Replacer
	olds     []string
}

// NewRewriter builds the replacement table from two origins. It returns nil
// when nothing differs.
func NewRewriter(from, to Origin) *Rewriter {
	pairs := map[string]string{}
	add := func(old, new string) {
		if old != "" && new != "" && old != new {
			pairs[old] = new
		}
	}
	add(from.SiteURL, to.SiteURL)
	add(from.HomeURL, to.HomeURL)
	add(from.Paths.Uploads, to.Paths.Uploads)
	add(from.Paths.Content, to.Paths.Content)
	add(from.Paths.Root, to.Paths.Root)
	if len(pairs) == 0 {
		return nil
	}

	olds := make([]string, 0, len(pairs))
	for old := range pairs {
		olds = append(olds, old)
	}
	// Longest first so a nested directory wins over its parent
	sort.Slice(olds, func(i, j int) bool {
		if len(olds[i]) != len(olds[j]) {
			return len(olds[i]) > len(olds[j])
		}
		return olds[i] < olds[j]
	})
	args := make([]string, 0, len(olds)*2)
	for _, old := range olds {
		args = append(args, old, pairs[old])
	}

	return &Rewriter{replacer: strings.NewReplacer(args...), olds: olds}
}

// Rewrite returns s with origin references replaced
func (r *Rewriter) Rewrite(s string) string {
	if r == nil || !r.touches(s) {
		return s
	}
	if out, ok := r.rewriteSerialized(s); ok {
		return out
	}
	return r.replacer.Replace(s)
}

func (r *Rewriter) touches(s string) bool {
	for _, old := range r.olds {
		if strings.Contains(s, old) {
			return true
		}
	}
	return false
}

func (r *Rewriter) rewriteSerialized(s string) (string, bool) {
	if len(s) < 2 || !strings.ContainsRune("aOsibdN", rune(s[0])) {
		return "", false
	}
	p := &phpParser{src: s, rw: r}
	if !p.value() || p.pos != len(s) {
		return "", false
	}
	return p.out.String(), true
}

// phpParser walks a PHP serialize() value and re-emits it with rewritten
// strings and corrected lengths.
type phpParser struct {
	src string
	pos int
	out strings.Builder
	rw  *Rewriter
}

func (p *phpParser) value() bool {
	if p.pos >= len(p.src) {
		return false
	}
	switch p.src[p.pos] {
	case 'N':
		return p.literal("N;")
	case 'b', 'i', 'd', 'r', 'R':
		end := strings.IndexByte(p.src[p.pos:], ';')
		if end < 0 || p.pos+1 >= len(p.src) || p.src[p.pos+1] != ':' {
			return false
		}
		p.out.WriteString(p.src[p.pos : p.pos+end+1])
		p.pos += end + 1
		return true
	case 's':
		p.pos++
		n, ok := p.length()
		if !ok || !p.skip(`"`) || !p.fits(n) {
			return false
		}
		content := p.src[p.pos : p.pos+n]
		p.pos += n
		if !p.skip(`";`) {
			return false
		}
		content = p.rw.Rewrite(content)
		p.out.WriteString("s:" + strconv.Itoa(len(content)) + `:"` + content + `";`)
		return true
	case 'a':
		p.pos++
		n, ok := p.length()
		if !ok || !p.fits(n) {
			return false
		}
		p.out.WriteString("a:" + strconv.Itoa(n) + ":")
		return p.members(n)
	case 'O':
		p.pos++
		n, ok := p.length()
		if !ok || !p.skip(`"`) || !p.fits(n) {
			return false
		}
		class := p.src[p.pos : p.pos+n]
		p.pos += n
		if !p.skip(`":`) {
			return false
		}
		count, ok := p.number(':')
		if !ok || !p.fits(count) {
			return false
		}
		p.out.WriteString("O:" + strconv.Itoa(n) + `:"` + class + `":` + strconv.Itoa(count) + ":")
		return p.members(count)
	}
	return false
}

func (p *phpParser) members(n int) bool {
	if !p.literal("{") {
		return false
	}
	for i := 0; i < n; i++ {
		if !p.value() || !p.value() {
			return false
		}
	}
	return p.literal("}")
}

// fits reports whether n more bytes remain; declared lengths come from
// untrusted input and may be anything up to MaxInt
func (p *phpParser) fits(n int) bool {
	return n <= len(p.src)-p.pos
}

// length reads ":<n>:" and returns n
func (p *phpParser) length() (int, bool) {
	if !p.skip(":") {
		return 0, false
	}
	return p.number(':')
}

func (p *phpParser) number(term byte) (int, bool) {
	end := strings.IndexByte(p.src[p.pos:], term)
	if end <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(p.src[p.pos : p.pos+end])
	if err != nil || n < 0 {
		return 0, false
	}
	p.pos += end + 1
	return n, true
}

func (p *phpParser) skip(tok string) bool {
	if !strings.HasPrefix(p.src[p.pos:], tok) {
		return false
	}
	p.pos += len(tok)
	return true
}

func (p *phpParser) literal(tok string) bool {
	if !p.skip(tok) {
		return false
	}
	p.out.WriteString(tok)
	return true
}
