package secrets

import "testing"

func TestMemoryKeeper(t *testing.T) {
	k := NewMemoryKeeper()

	token, err := k.GetToken("svc")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "" {
		t.Errorf("GetToken() on empty keeper = %q, want \"\"", token)
	}

	if err := k.SetToken("svc", "secret"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	token, _ = k.GetToken("svc")
	if token != "secret" {
		t.Errorf("GetToken() = %q, want secret", token)
	}

	// Services are independent.
	other, _ := k.GetToken("other")
	if other != "" {
		t.Errorf("GetToken(other) = %q, want \"\"", other)
	}

	if err := k.EraseToken("svc"); err != nil {
		t.Fatalf("EraseToken() error = %v", err)
	}
	token, _ = k.GetToken("svc")
	if token != "" {
		t.Errorf("GetToken() after erase = %q, want \"\"", token)
	}

	// Erasing an absent token is not an error.
	if err := k.EraseToken("svc"); err != nil {
		t.Errorf("EraseToken() of absent token error = %v", err)
	}
}

func TestNewKeeperFallsBack(t *testing.T) {
	// Regardless of whether the platform store is reachable in the test
	// environment, NewKeeper must hand back a usable Keeper.
	k := NewKeeper("git-archiver-test")
	if k == nil {
		t.Fatal("NewKeeper() = nil")
	}
}
