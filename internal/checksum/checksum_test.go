package checksum

import "testing"

func TestSum(t *testing.T) {
	got := Sum([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("Sum = %s, want %s", got, want)
	}
	if Sum([]byte("hello")) != Sum([]byte("hello")) {
		t.Error("Sum not deterministic")
	}
	if Sum([]byte("hello")) == Sum([]byte("hello ")) {
		t.Error("different inputs collided")
	}
}
