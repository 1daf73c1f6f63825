package patch

import (
	"errors"
	"strings"
	"testing"
)

const baseFile = "int main(void) {\n    char buf[4];\n    strcpy(buf, argv[1]);\n    return 0;\n}\n"

const fixDiff = `--- a/main.c
+++ b/main.c
@@ -1,5 +1,5 @@
 int main(void) {
     char buf[4];
-    strcpy(buf, argv[1]);
+    strncpy(buf, argv[1], sizeof(buf) - 1);
     return 0;
 }
`

func readerFor(files map[string]string) ReadFunc {
	return func(rel string) ([]byte, bool) {
		s, ok := files[rel]
		if !ok {
			return nil, false
		}
		return []byte(s), true
	}
}

func TestParseAndApply(t *testing.T) {
	t.Parallel()

	c, err := Parse(fixDiff, "bounded copy")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := c.Files(); len(got) != 1 || got[0] != "main.c" {
		t.Fatalf("Files() = %v", got)
	}

	out, err := c.Apply(readerFor(map[string]string{"main.c": baseFile}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	patched := string(out["main.c"])
	if !strings.Contains(patched, "strncpy(buf, argv[1], sizeof(buf) - 1);") {
		t.Fatalf("patched content missing replacement:\n%s", patched)
	}
	if strings.Contains(patched, "strcpy(buf, argv[1]);") {
		t.Fatalf("patched content still has original line:\n%s", patched)
	}
}

func TestApply_Deterministic(t *testing.T) {
	t.Parallel()

	c, err := Parse(fixDiff, "")
	if err != nil {
		t.Fatal(err)
	}
	r := readerFor(map[string]string{"main.c": baseFile})
	a, err := c.Apply(r)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Apply(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(a["main.c"]) != string(b["main.c"]) {
		t.Fatal("apply is not deterministic")
	}
}

func TestApply_ContextMismatch(t *testing.T) {
	t.Parallel()

	c, err := Parse(fixDiff, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Apply(readerFor(map[string]string{"main.c": "something else entirely\n"}))
	if !errors.Is(err, ErrDoesNotApply) {
		t.Fatalf("expected ErrDoesNotApply, got %v", err)
	}
}

func TestApply_MissingFile(t *testing.T) {
	t.Parallel()

	c, err := Parse(fixDiff, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Apply(readerFor(map[string]string{}))
	if !errors.Is(err, ErrDoesNotApply) {
		t.Fatalf("expected ErrDoesNotApply, got %v", err)
	}
}

func TestApply_NewFile(t *testing.T) {
	t.Parallel()

	newFileDiff := `--- /dev/null
+++ b/util.h
@@ -0,0 +1,2 @@
+#pragma once
+void check(void);
`
	c, err := Parse(newFileDiff, "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Apply(readerFor(map[string]string{}))
	if err != nil {
		t.Fatal(err)
	}
	if string(out["util.h"]) != "#pragma once\nvoid check(void);\n" {
		t.Fatalf("new file content = %q", out["util.h"])
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not a diff at all", "--- a/x\n+++ b/x\n"} {
		if _, err := Parse(raw, ""); err == nil {
			t.Fatalf("expected parse error for %q", raw)
		}
	}
}

func TestApply_MultiHunk(t *testing.T) {
	t.Parallel()

	base := "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\n"
	multi := `--- a/f.txt
+++ b/f.txt
@@ -1,3 +1,3 @@
 a
-b
+B
 c
@@ -8,3 +8,3 @@
 h
-i
+I
 j
`
	c, err := Parse(multi, "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Apply(readerFor(map[string]string{"f.txt": base}))
	if err != nil {
		t.Fatal(err)
	}
	want := "a\nB\nc\nd\ne\nf\ng\nh\nI\nj\n"
	if string(out["f.txt"]) != want {
		t.Fatalf("multi-hunk apply = %q, want %q", out["f.txt"], want)
	}
}
