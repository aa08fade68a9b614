package hostedinfer

import "testing"

func TestInferPrecedence(t *testing.T) {
	cases := []struct {
		name string
		in   Inputs
		want bool
	}{
		{"force enterprise wins over everything", Inputs{ForceEnterprise: true, GitHubURL: "https://github.com"}, false},
		{"force hosted no github url", Inputs{ForceHostedNoGitHubURL: true}, true},
		{"github.com host", Inputs{GitHubURL: "https://github.com/"}, true},
		{"github.localhost host", Inputs{GitHubURL: "http://github.localhost:3000"}, true},
		{"ghe.com suffix", Inputs{GitHubURL: "https://acme.ghe.com"}, true},
		{"ghe.localhost suffix", Inputs{GitHubURL: "https://acme.ghe.localhost"}, true},
		{"enterprise github url, no match elsewhere", Inputs{GitHubURL: "https://github.acme.internal", ServerURL: "https://pipelines.acme.internal"}, true},
		{"primary server actions suffix", Inputs{ServerURL: "https://pipelines.actions.githubusercontent.com"}, true},
		{"primary server codedev.ms suffix", Inputs{ServerURL: "https://foo.codedev.ms"}, true},
		{"secondary server suffix", Inputs{ServerURLV2: "https://foo.githubapp.com"}, true},
		{"default fallback", Inputs{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Infer(c.in); got != c.want {
				t.Errorf("Infer(%+v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestInferIsDeterministicAndIdempotent(t *testing.T) {
	in := Inputs{GitHubURL: "https://github.acme.internal", ServerURL: "https://pipelines.acme.internal"}
	a := Infer(in)
	b := Infer(in)
	if a != b {
		t.Fatalf("Infer not idempotent: %v != %v", a, b)
	}
}
