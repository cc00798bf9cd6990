package version

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_Short(t *testing.T) {
	i := Info{Version: "v1.2.0", GitCommit: "0123456789abcdef"}
	assert.Equal(t, "v1.2.0 (0123456)", i.Short())

	i.GitCommit = "abc"
	assert.Equal(t, "v1.2.0 (abc)", i.Short())
}

func TestInfo_LogAttr(t *testing.T) {
	a := Get().LogAttr()
	assert.Equal(t, "build", a.Key)
	assert.Equal(t, slog.KindGroup, a.Value.Kind())
	assert.Len(t, a.Value.Group(), 3)
}
