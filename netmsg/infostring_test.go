package netmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoWriteRead(t *testing.T) {
	var b strings.Builder
	InfoWrite(&b, "hostname", "My Server")
	InfoWrite(&b, "mapname", "e1m1")
	InfoWrite(&b, "clients", "3")

	info := b.String()
	assert.Equal(t, `\hostname\My Server\mapname\e1m1\clients\3`, info)
	assert.Equal(t, "My Server", InfoRead(info, "hostname"))
	assert.Equal(t, "e1m1", InfoRead(info, "mapname"))
	assert.Equal(t, "3", InfoRead(info, "clients"))
	assert.Equal(t, "", InfoRead(info, "missing"))
}

func TestInfoWriteStripsBackslashes(t *testing.T) {
	var b strings.Builder
	InfoWrite(&b, `key\with`, `value\too`)
	assert.Equal(t, `\keywith\valuetoo`, b.String())
}

func TestInfoReadEmptyValue(t *testing.T) {
	assert.Equal(t, "", InfoRead(`\a\\b\2`, "a"))
	assert.Equal(t, "2", InfoRead(`\a\\b\2`, "b"))
}

func TestInfoMap(t *testing.T) {
	m := InfoMap(`\a\1\b\2\a\3`)
	assert.Equal(t, "1", m["a"])
	assert.Equal(t, "2", m["b"])
}

func TestInfoReadGarbage(t *testing.T) {
	assert.Equal(t, "", InfoRead("no backslashes here", "a"))
	assert.Equal(t, "", InfoRead("", "a"))
}
