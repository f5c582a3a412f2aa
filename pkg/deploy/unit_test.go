package deploy

import (
	"errors"
	"testing"

	"github.com/rupy-dev/rupy/pkg/server"
)

func TestDefinerInheritance(t *testing.T) {
	d := NewDefiner("/srv/app/content", "content")
	d.Buffer("base", []byte("kind: test.text\npath: /a:/b\nabstract: true\nparams:\n  body: base\n  lang: en\n"))
	d.Buffer("child", []byte("extends: base\nindex: 1\nparams:\n  body: child\n"))

	child, err := d.DefineUnit("child", []byte("extends: base\nindex: 1\nparams:\n  body: child\n"))
	if err != nil {
		t.Fatalf("DefineUnit() error = %v", err)
	}
	if child.Kind != "test.text" || child.Path != "/a:/b" || child.Index != 1 {
		t.Errorf("child = {%s %s %d}, want {test.text /a:/b 1}", child.Kind, child.Path, child.Index)
	}
	if child.Param("body") != "child" || child.Param("lang") != "en" {
		t.Errorf("params = %v", child.Params)
	}
	if child.Parent == nil || child.Parent.Name != "base" {
		t.Fatalf("Parent = %v, want base", child.Parent)
	}
	if child.Root != "/srv/app/content" || child.Host != "content" {
		t.Errorf("Root, Host = %q, %q", child.Root, child.Host)
	}
	if got := child.Ancestry(); len(got) != 2 || got[0] != "child" || got[1] != "base" {
		t.Errorf("Ancestry() = %v", got)
	}
	if !child.Instantiable() {
		t.Error("child should be instantiable")
	}
	if child.Parent.Instantiable() {
		t.Error("abstract base should not be instantiable")
	}

	// The parent was defined on demand and is reused.
	base, err := d.DefineUnit("base", nil)
	if err != nil || base != child.Parent {
		t.Errorf("DefineUnit(base) = %p, %v; want the parent %p", base, err, child.Parent)
	}
}

func TestDefinerErrors(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		d := NewDefiner("", "")
		d.Buffer("a", []byte("extends: b\n"))
		d.Buffer("b", []byte("extends: a\n"))
		_, err := d.DefineAll()
		if !errors.Is(err, ErrCycle) {
			t.Fatalf("DefineAll() error = %v, want ErrCycle", err)
		}
	})
	t.Run("self", func(t *testing.T) {
		d := NewDefiner("", "")
		d.Buffer("a", []byte("extends: a\n"))
		if _, err := d.DefineAll(); !errors.Is(err, ErrCycle) {
			t.Fatalf("DefineAll() error = %v, want ErrCycle", err)
		}
	})
	t.Run("missing parent", func(t *testing.T) {
		d := NewDefiner("", "")
		d.Buffer("a", []byte("extends: nowhere\n"))
		_, err := d.DefineAll()
		if !errors.Is(err, ErrMissingParent) {
			t.Fatalf("DefineAll() error = %v, want ErrMissingParent", err)
		}
		var ue *UnitError
		if !errors.As(err, &ue) || ue.Unit != "a" {
			t.Errorf("UnitError = %v, want unit a", ue)
		}
	})
	t.Run("unknown field", func(t *testing.T) {
		d := NewDefiner("", "")
		if _, err := d.DefineUnit("a", []byte("kind: test.text\ncolour: red\n")); err == nil {
			t.Fatal("DefineUnit() accepted an unknown field")
		}
	})
}

func TestHandleInstantiable(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want bool
	}{
		{"registered kind", "kind: test.text\npath: /x\n", true},
		{"no kind", "path: /x\n", false},
		{"unknown kind", "kind: nothing.here\npath: /x\n", false},
		{"abstract", "kind: test.text\nabstract: true\n", false},
		{"empty descriptor", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewDefiner("", "").DefineUnit("u", []byte(tt.desc))
			if err != nil {
				t.Fatalf("DefineUnit() error = %v", err)
			}
			if got := h.Instantiable(); got != tt.want {
				t.Errorf("Instantiable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleIntParam(t *testing.T) {
	h := &Handle{Params: map[string]string{"n": "7", "bad": "x"}}
	if got := h.IntParam("n", 1); got != 7 {
		t.Errorf("IntParam(n) = %d, want 7", got)
	}
	if got := h.IntParam("bad", 1); got != 1 {
		t.Errorf("IntParam(bad) = %d, want 1", got)
	}
	if got := h.IntParam("missing", 3); got != 3 {
		t.Errorf("IntParam(missing) = %d, want 3", got)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register() of a taken kind did not panic")
		}
	}()
	Register("test.text", func(*Handle) (server.Service, error) { return nil, nil })
}

func TestKinds(t *testing.T) {
	kinds := Kinds()
	found := false
	for _, k := range kinds {
		if k == "test.text" {
			found = true
		}
	}
	if !found {
		t.Errorf("Kinds() = %v, missing test.text", kinds)
	}
}

func TestUnitName(t *testing.T) {
	if got := UnitName("units/hello.unit"); got != "units/hello" {
		t.Errorf("UnitName() = %q", got)
	}
}
