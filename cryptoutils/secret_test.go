package cryptoutils

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	assert.Equal(t, make([]byte, 6), b)
	Wipe(nil)
}

func TestSecretBytes_Close(t *testing.T) {
	backing := []byte("pin-1234")
	s := NewSecretBytes(backing)
	assert.Equal(t, 8, s.Len())
	require.NoError(t, s.Close())
	assert.Equal(t, make([]byte, 8), backing)
	require.NoError(t, s.Close())
}

func TestEqualSecret(t *testing.T) {
	assert.True(t, EqualSecret([]byte("hunter2"), []byte("hunter2")))
	assert.True(t, EqualSecret(nil, []byte{}))
	assert.False(t, EqualSecret([]byte("hunter2"), []byte("hunter3")))
	assert.False(t, EqualSecret([]byte("hunter2"), []byte("hunter")))
	assert.False(t, EqualSecret([]byte("a"), bytes.Repeat([]byte("a"), 1000)))
}

// The comparison must not branch on secret contents: no loops, no early
// returns, and no bytes.Equal; only fixed-size digests reach subtle.
func TestEqualSecret_ConstantTimeStructure(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "secret.go", nil, 0)
	require.NoError(t, err)

	var fn *ast.FuncDecl
	for _, decl := range file.Decls {
		if f, ok := decl.(*ast.FuncDecl); ok && f.Name.Name == "EqualSecret" {
			fn = f
		}
	}
	require.NotNil(t, fn)

	var calls []string
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.ForStmt, *ast.RangeStmt, *ast.IfStmt, *ast.SwitchStmt:
			t.Errorf("unexpected control flow at %s", fset.Position(node.Pos()))
		case *ast.CallExpr:
			if sel, ok := node.Fun.(*ast.SelectorExpr); ok {
				if pkg, ok := sel.X.(*ast.Ident); ok {
					calls = append(calls, pkg.Name+"."+sel.Sel.Name)
				}
			}
		}
		return true
	})
	assert.Contains(t, calls, "subtle.ConstantTimeCompare")
	assert.Contains(t, calls, "sha256.Sum256")
	assert.NotContains(t, calls, "bytes.Equal")
}

func TestLockedBuffer(t *testing.T) {
	source := []byte("0123456789abcdef0123456789abcdef")
	buf, err := NewLockedBufferFrom(source)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), source)
	assert.Equal(t, 32, buf.Len())

	data, err := buf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), data)

	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())
	_, err = buf.Bytes()
	assert.ErrorIs(t, err, ErrBufferClosed)

	_, err = NewLockedBuffer(0)
	assert.Error(t, err)
}
