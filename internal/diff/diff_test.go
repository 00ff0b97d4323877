package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleDiff is shaped like the gateway's version-to-version output.
const sampleDiff = `diff --git a/depot/main/hello.go b/depot/main/hello.go
new file mode 100644
--- /dev/null
+++ b/depot/main/hello.go
@@ -0,0 +1,11 @@
+package main
+
+import "fmt"
+
+func main() {
+	fmt.Println("hello")
+}
+
+func add(a, b int) int {
+	return a + b
+}
diff --git a/depot/main/readme.md b/depot/main/readme.md
--- a/depot/main/readme.md
+++ b/depot/main/readme.md
@@ -1,3 +1,4 @@
 # Project

-Old description
+New description
+Added line
diff --git a/depot/rel/notes.txt b/depot/rel/notes.txt
deleted file mode 100644
--- a/depot/rel/notes.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-one
-two
`

func TestParse(t *testing.T) {
	ds, err := Parse(sampleDiff)
	require.NoError(t, err)
	require.Len(t, ds.Files, 3)

	f0 := ds.Files[0]
	assert.True(t, f0.IsNew)
	assert.Equal(t, "depot/main/hello.go", f0.Name())
	assert.Equal(t, 11, f0.AddedLines)

	f1 := ds.Files[1]
	assert.Equal(t, "depot/main/readme.md", f1.Name())
	assert.Equal(t, 2, f1.AddedLines)
	assert.Equal(t, 1, f1.DeletedLines)

	f2 := ds.Files[2]
	assert.True(t, f2.IsDeleted)
	assert.Equal(t, "depot/rel/notes.txt", f2.Name())

	files, added, deleted := ds.Stats()
	assert.Equal(t, 3, files)
	assert.Equal(t, 13, added)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, sampleDiff, ds.Raw)
}

func TestParseEmpty(t *testing.T) {
	ds, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, ds.Files)
}

func TestDepotPaths(t *testing.T) {
	ds, err := Parse(sampleDiff)
	require.NoError(t, err)

	assert.Equal(t, "//depot/main/hello.go", ds.Files[0].DepotPath())
	assert.Equal(t, "//depot/rel/notes.txt", ds.Files[2].DepotPath())

	assert.Same(t, ds.Files[1], ds.File("//depot/main/readme.md"))
	assert.Nil(t, ds.File("//depot/main/missing.go"))

	main := ds.Under("//depot/main/...")
	require.Len(t, main.Files, 2)
	assert.Equal(t, "//depot/main/hello.go", main.Files[0].DepotPath())
	assert.Empty(t, ds.Under("//streams/...").Files)
}

func TestRenamedName(t *testing.T) {
	f := &File{OldName: "depot/a.txt", NewName: "depot/b.txt", IsRenamed: true}
	assert.Equal(t, "depot/a.txt → depot/b.txt", f.Name())
	assert.Equal(t, "//depot/b.txt", f.DepotPath())
}
