package remoteexec

import "testing"

func TestCommandQuoted(t *testing.T) {
	cases := []struct {
		name string
		argv []string
		want string
	}{
		{"simple", []string{"s3cmd", "put", "/tmp/x"}, "s3cmd put /tmp/x"},
		{"space", []string{"echo", "hello world"}, "echo 'hello world'"},
		{"single-quote", []string{"echo", "it's"}, `echo 'it'\''s'`},
		{"empty-arg", []string{"echo", ""}, "echo ''"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := New(tc.argv...).Quoted()
			if got != tc.want {
				t.Errorf("Quoted() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewCopiesArgv(t *testing.T) {
	argv := []string{"a", "b"}
	cmd := New(argv...)
	argv[0] = "mutated"
	if cmd.Argv[0] != "a" {
		t.Errorf("Command.Argv aliased caller's slice: got %q", cmd.Argv[0])
	}
}
