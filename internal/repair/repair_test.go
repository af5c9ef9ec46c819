package repair

import (
	"testing"

	"github.com/fentz26/quizpilot/internal/pysrc"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "https://quiz.example.net/start"

func TestRepair_AwaitsFetchAndSubstitutesPlaceholder(t *testing.T) {
	in := "async def main():\n" +
		"    r = client.get(\"<quiz_url>\")\n" +
		"    print(r.text)\n"
	want := "import httpx\n" +
		"import re\n" +
		"async def main():\n" +
		"    r = await client.get(\"" + target + "\")\n" +
		"    print(r.text)"

	prog := New(DefaultOptions()).Repair(in, target)
	if diff := cmp.Diff(want, prog.Source); diff != "" {
		t.Errorf("repaired source mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"await-fetch", "placeholders", "imports", "tabs"}, prog.Applied)
}

func TestAwaitFetch(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		opts func(*Options)
	}{
		{
			name: "already awaited",
			in:   "async def main():\n    r = await client.get(u)\n",
			want: "async def main():\n    r = await client.get(u)\n",
		},
		{
			name: "chained call gets parentheses",
			in:   "async def main():\n    data = client.get(u).json()\n",
			want: "async def main():\n    data = (await client.get(u)).json()\n",
		},
		{
			name: "sync helper untouched",
			in:   "def helper(u):\n    return client.get(u)\n",
			want: "def helper(u):\n    return client.get(u)\n",
		},
		{
			name: "sync main is promoted later so it is awaited",
			in:   "def main():\n    r = session.post(u, json=p)\n",
			want: "def main():\n    r = await session.post(u, json=p)\n",
		},
		{
			name: "unknown receiver untouched",
			in:   "async def main():\n    v = config.get('k')\n",
			want: "async def main():\n    v = config.get('k')\n",
		},
		{
			name: "client bound from AsyncClient",
			in:   "async def main():\n    http = httpx.AsyncClient()\n    r = http.get(u)\n",
			want: "async def main():\n    http = httpx.AsyncClient()\n    r = await http.get(u)\n",
		},
		{
			name: "module level without top-level await",
			in:   "r = client.get(u)\n",
			want: "r = client.get(u)\n",
		},
		{
			name: "module level with top-level await",
			in:   "r = client.get(u)\n",
			want: "r = await client.get(u)\n",
			opts: func(o *Options) { o.TopLevelAwait = true },
		},
		{
			name: "lambda untouched",
			in:   "async def main():\n    f = lambda: client.get(u)\n",
			want: "async def main():\n    f = lambda: client.get(u)\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			got := awaitFetch(tt.in, &Env{Target: target, Options: opts})
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestAsyncWithFetch(t *testing.T) {
	in := "async def main():\n" +
		"    async with client.get(starturl) as resp:\n" +
		"        html = resp.text\n" +
		"        print(len(html))\n" +
		"    print('done')\n"
	want := "async def main():\n" +
		"    client_response = await client.get(starturl)\n" +
		"    resp = client_response\n" +
		"    html = resp.text\n" +
		"    print(len(html))\n" +
		"    print('done')\n"

	got := asyncWithFetch(in, &Env{Options: DefaultOptions()})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	assert.Nil(t, pysrc.Check(got))
}

func TestAsyncWithFetch_LeavesClientContextAlone(t *testing.T) {
	in := "async def main():\n" +
		"    async with httpx.AsyncClient() as client:\n" +
		"        r = await client.get(starturl)\n"

	got := asyncWithFetch(in, &Env{Options: DefaultOptions()})
	assert.Equal(t, in, got)
}

func TestCollapseAwait(t *testing.T) {
	got := collapseAwait("x = await  await await client.get(u)", nil)
	assert.Equal(t, "x = await client.get(u)", got)
	assert.Equal(t, "awaited = await f()", collapseAwait("awaited = await f()", nil))
}

func TestStripFences(t *testing.T) {
	in := "```python\nprint(1)\n```\n"
	assert.Equal(t, "print(1)\n", stripFences(in, nil))
}

func TestSubstitutePlaceholders(t *testing.T) {
	tests := []struct {
		name   string
		target string
		in     string
		want   string
	}{
		{
			name:   "mixed tokens",
			target: target,
			in:     "start = 'YOUR_START_URL_HERE'\nsubmit = '<submit url>'\nalt = '<the quiz URL you fetched>'\n",
			want:   "start = '" + target + "'\nsubmit = ''\nalt = '" + target + "'\n",
		},
		{
			name:   "submit token nested in submit token",
			target: target,
			in:     `s = "<sub<submit url>mit url>"`,
			want:   `s = ""`,
		},
		{
			name:   "submit token nested in target token",
			target: target,
			in:     `s = "<quiz<submit url> url>"`,
			want:   `s = "` + target + `"`,
		},
		{
			name:   "target is a prefix of a token",
			target: "https://example.com",
			in:     `u = "https://example.com/quiz"`,
			want:   `u = "https://example.com"`,
		},
		{
			name:   "target already present",
			target: "https://example.com",
			in:     `u = "https://example.com/page"`,
			want:   `u = "https://example.com/page"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Env{Target: tt.target}
			got := substitutePlaceholders(tt.in, env)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, substitutePlaceholders(got, env), "second pass changed the output")
		})
	}
}

func TestSubstitutePlaceholders_TargetContainsPlaceholder(t *testing.T) {
	env := &Env{Target: "https://example.com/quiz-834"}
	once := substitutePlaceholders("u = 'https://example.com/quiz'", env)
	assert.Equal(t, "u = 'https://example.com/quiz-834'", once)
	assert.Equal(t, once, substitutePlaceholders(once, env))
}

func TestEnsureImports(t *testing.T) {
	env := &Env{Options: DefaultOptions()}

	assert.Equal(t, "import httpx\nimport re\nprint(1)\n", ensureImports("print(1)\n", env))
	assert.Equal(t, "import httpx\nimport re\n", ensureImports("import httpx\nimport re\n", env))
	// aliased imports do not count
	assert.Equal(t, "import httpx\nimport re\nimport re as regex\n", ensureImports("import re as regex\n", env))

	withFuture := "from __future__ import annotations\nimport re\n"
	assert.Equal(t, "from __future__ import annotations\nimport httpx\nimport re\n", ensureImports(withFuture, env))
}

func TestEnsureEntryPoint(t *testing.T) {
	assert.Equal(t, "x = 1\n\n\nasync def main():\n    pass\n", ensureEntryPoint("x = 1\n", nil))
	assert.Equal(t, "async def main():\n    pass\n", ensureEntryPoint("def main():\n    pass\n", nil))
	assert.Equal(t, "async def main():\n    pass\n", ensureEntryPoint("async def main():\n    pass\n", nil))

	nested := "class A:\n    def main(self):\n        pass\n"
	assert.Contains(t, ensureEntryPoint(nested, nil), "\nasync def main():\n")
}

func TestNormalizeTabs(t *testing.T) {
	assert.Equal(t, "def f():\n    return 1", normalizeTabs("\ndef f():\n\treturn 1\n\n", nil))
}

func TestRepair_Idempotent(t *testing.T) {
	samples := []string{
		"print('hi')",
		"```python\nimport httpx\nasync def main():\n    async with httpx.AsyncClient() as client:\n        r = client.get('<quiz url>')\n        print(r.text)\n```",
		"def main():\n\tr = session.get(\"https://example.com/quiz\").text\n\tprint(r)\n",
		"async def main():\n    async with client.get(starturl) as resp:\n        body = resp.text\n    x = await await client.post('<submit url>', json={'answer': 1})\n",
		"from __future__ import annotations\nimport re as regex\n\ndef helper():\n    return client.get(u)\n",
		"r = client.get(starturl)\nprint(r)\n",
		"s = \"<sub<submit url>mit url>\"\nq = \"<quiz<submit url> url>\"\n",
		"u = \"https://example.com/quiz\"\n",
	}

	for _, opts := range []Options{DefaultOptions(), func() Options { o := DefaultOptions(); o.TopLevelAwait = true; return o }()} {
		r := New(opts)
		for _, s := range samples {
			for _, tgt := range []string{target, "https://example.com/quiz-2", "https://example.com"} {
				once := r.Repair(s, tgt)
				twice := r.Repair(once.Source, tgt)
				if diff := cmp.Diff(once.Source, twice.Source); diff != "" {
					t.Errorf("repair not idempotent for %q (-once +twice):\n%s", s, diff)
				}
				assert.Empty(t, twice.Applied, "second pass applied rules for %q", s)
			}
		}
	}
}

func TestRepair_OutputParses(t *testing.T) {
	in := "import httpx\n" +
		"def main():\n" +
		"\tasync with httpx.AsyncClient() as client:\n" +
		"\t\tr = client.get('<quiz_url>')\n" +
		"\t\tprint(r.json()['url'])\n"

	prog := New(DefaultOptions()).Repair(in, target)
	require.Nil(t, pysrc.Check(prog.Source), prog.Source)
	assert.Contains(t, prog.Source, "async def main():")
	assert.Contains(t, prog.Source, "r = await client.get('"+target+"')")
	assert.NotContains(t, prog.Source, "\t")
}

func TestRules_Order(t *testing.T) {
	assert.Equal(t, []string{
		"strip-fences", "collapse-await", "await-fetch", "async-with-fetch",
		"placeholders", "imports", "entry-point", "tabs",
	}, New(DefaultOptions()).Rules())
}
