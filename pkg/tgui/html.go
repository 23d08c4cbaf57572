package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is HTML that is safe to send with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Escf formats, then escapes.
func Escf(format string, args ...any) H { return Esc(fmt.Sprintf(format, args...)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Link builds an anchor. An empty url yields the escaped text alone.
func Link(text, url string) H {
	if strings.TrimSpace(url) == "" {
		return Esc(text)
	}
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH joins parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Lines joins parts with newlines, skipping blank ones.
func Lines(parts ...H) H { return JoinH("\n", parts...) }
