package netmsg

import "strings"

// Infostring is the \key\value\... encoding used by the extended server
// browser protocol (infoResponse/statusResponse) and master queries. Keys
// and values must not contain backslashes; offending characters are
// dropped on write.

// InfoRead returns the value for key in info, or "" if absent.
func InfoRead(info, key string) string {
	for len(info) > 0 {
		if info[0] != '\\' {
			return ""
		}
		info = info[1:]
		i := strings.IndexByte(info, '\\')
		if i < 0 {
			return ""
		}
		k := info[:i]
		info = info[i+1:]
		j := strings.IndexByte(info, '\\')
		var v string
		if j < 0 {
			v, info = info, ""
		} else {
			v, info = info[:j], info[j:]
		}
		if k == key {
			return v
		}
	}
	return ""
}

// InfoWrite appends a \key\value pair to b, stripping backslashes from
// both parts. Empty values are written; empty keys are not.
func InfoWrite(b *strings.Builder, key, value string) {
	if key == "" {
		return
	}
	b.WriteByte('\\')
	b.WriteString(strings.ReplaceAll(key, "\\", ""))
	b.WriteByte('\\')
	b.WriteString(strings.ReplaceAll(value, "\\", ""))
}

// InfoMap decodes an entire infostring. For a duplicate key the first
// occurrence wins, as with InfoRead.
func InfoMap(info string) map[string]string {
	out := make(map[string]string)
	for len(info) > 0 && info[0] == '\\' {
		info = info[1:]
		i := strings.IndexByte(info, '\\')
		if i < 0 {
			break
		}
		k := info[:i]
		info = info[i+1:]
		j := strings.IndexByte(info, '\\')
		var v string
		if j < 0 {
			v, info = info, ""
		} else {
			v, info = info[:j], info[j:]
		}
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
