package bot

import (
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short request id for log correlation.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string("abcdefghijklmnopqrstuvwxyz"[rand.Intn(26)])
}

// tokenize splits command text into tokens. Single and double quotes group
// words; a backslash escapes the next byte.
//
//	/broadcast --chats=a,b "hello there" 'second'
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		// quoted empty strings still count as a token
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			inQ, qChar, quoted = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits args into positionals and --key=value / --key value
// flags. A flag with no value is recorded as "true".
func parseFlags(args []string) (pos []string, flags map[string]string) {
	flags = map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		raw := a[2:]
		if eq := strings.IndexByte(raw, '='); eq >= 0 {
			flags[strings.ToLower(raw[:eq])] = raw[eq+1:]
			continue
		}
		key := strings.ToLower(raw)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		flags[key] = "true"
	}
	return pos, flags
}

// commandWord returns the command name of tok without the leading slash
// and any "@botname" suffix, or "" when text is not a command.
func commandWord(tok string) string {
	if !strings.HasPrefix(tok, "/") {
		return ""
	}
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
