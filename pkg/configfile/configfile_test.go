package configfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string   `json:"name" yaml:"name" toml:"name"`
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	Grace   Duration `json:"grace" yaml:"grace" toml:"grace"`
}

func TestDecode_DurationForms(t *testing.T) {
	tests := []struct {
		format Format
		doc    string
	}{
		{FormatJSON, `{"name":"x","timeout":"1m30s","grace":5}`},
		{FormatYAML, "name: x\ntimeout: 1m30s\ngrace: 5\n"},
		{FormatTOML, "name = \"x\"\ntimeout = \"1m30s\"\ngrace = 5\n"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var s sample
			require.NoError(t, Decode(tt.format, []byte(tt.doc), &s))
			assert.Equal(t, "x", s.Name)
			assert.Equal(t, 90*time.Second, s.Timeout.Duration)
			assert.Equal(t, 5*time.Second, s.Grace.Duration)
		})
	}
}

func TestDecode_BadDuration(t *testing.T) {
	var s sample
	assert.Error(t, Decode(FormatJSON, []byte(`{"timeout":"soon"}`), &s))
	assert.Error(t, Decode(FormatYAML, []byte("timeout: [1]\n"), &s))
}

func TestSaveLoad_EachFormat(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.json", "c.yaml", "c.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			in := sample{Name: "hub", Timeout: D(2 * time.Minute), Grace: D(time.Second)}
			require.NoError(t, Save(path, in))

			var out sample
			require.NoError(t, Load(path, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("/etc/viveye/hub.YML"))
	assert.Equal(t, FormatTOML, FormatOf("hub.toml"))
	assert.Equal(t, FormatJSON, FormatOf("hub"))
}
