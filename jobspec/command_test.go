package jobspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"java -jar agent.jar", []string{"java", "-jar", "agent.jar"}},
		{`sh -c "echo 'hello world'"`, []string{"sh", "-c", "echo 'hello world'"}},
		{`'a "b" c' d`, []string{`a "b" c`, "d"}},
		{`a\ b "c\"d"`, []string{"a b", `c"d`}},
		{`""`, []string{""}},
		{"-secret ${computer.jnlpmac}\t-name ${computer.name}", []string{"-secret", "${computer.jnlpmac}", "-name", "${computer.name}"}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	_, err := ParseCommand(`echo "unterminated`)
	assert.ErrorContains(t, err, "unterminated")

	_, err = ParseCommand(`echo \`)
	assert.ErrorContains(t, err, "trailing backslash")
}
