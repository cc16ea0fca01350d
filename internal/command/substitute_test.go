package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name     string
		template string
		b        Bindings
		want     string
	}{
		{"positional", "$1 and $2", Bindings{Args: "a b"}, "a and b"},
		{"missing positional", "$1 $2", Bindings{Args: "a"}, "a "},
		{"arguments verbatim", "run: $ARGUMENTS", Bindings{Args: "  x   y "}, "run:   x   y "},
		{"named", "plan is ${plan}", Bindings{Named: map[string]string{"plan": "P"}}, "plan is P"},
		{"missing named", "[${nope}]", Bindings{}, "[]"},
		{"multi digit", "$10", Bindings{Args: "1 2 3 4 5 6 7 8 9 ten"}, "ten"},
		{"zero is empty", "$0", Bindings{Args: "a"}, ""},
		{"no placeholders", "plain text", Bindings{Args: "a"}, "plain text"},
		{"lone dollar", "cost $ 5", Bindings{Args: "a"}, "cost $ 5"},
		{"lowercase not a placeholder", "$arguments", Bindings{Args: "a"}, "$arguments"},
		{
			"no re-expansion of inserted text",
			"$1 ${x}",
			Bindings{Args: "$2 b", Named: map[string]string{"x": "$ARGUMENTS"}},
			"$2 $ARGUMENTS",
		},
		{"tokens split on any whitespace", "$2", Bindings{Args: "a\tb\nc"}, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.b))
		})
	}
}

func TestSubstituteDeterministic(t *testing.T) {
	b := Bindings{Args: "x y", Named: map[string]string{"k": "v"}}
	first := Substitute("$ARGUMENTS|$1|$2|${k}", b)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Substitute("$ARGUMENTS|$1|$2|${k}", b))
	}
	assert.Equal(t, "x y|x|y|v", first)
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("${plan} $1 ${ticket} ${plan} $ARGUMENTS")
	assert.Equal(t, []string{"plan", "ticket"}, got)
	assert.Empty(t, Placeholders("nothing here"))
}
