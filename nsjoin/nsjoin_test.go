package nsjoin

import (
	"errors"
	"os"
	"testing"

	"github.com/nsfim/nsfim/fimerrors"
)

type fakeJoiner struct {
	joined []Kind
	failAt Kind
}

func (f *fakeJoiner) Join(pid int, kind Kind) (*Handle, error) {
	if kind == f.failAt {
		return nil, errors.New("simulated join failure")
	}
	f.joined = append(f.joined, kind)
	return &Handle{pid: pid, kind: kind}, nil
}

func TestJoinAllSucceeds(t *testing.T) {
	f := &fakeJoiner{}
	handles, err := JoinAll(f, 1234, []Kind{Mount, Net})
	if err != nil {
		t.Fatalf("JoinAll: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}
	if handles[0].Kind() != Mount || handles[1].Kind() != Net {
		t.Fatalf("unexpected handle order: %v", handles)
	}
}

func TestJoinAllStopsOnFirstFailure(t *testing.T) {
	f := &fakeJoiner{failAt: Net}
	handles, err := JoinAll(f, 1234, []Kind{Mount, Net, PID})
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(handles) != 1 {
		t.Fatalf("got %d handles before failure, want 1", len(handles))
	}
}

func TestSystemJoinRejectsNonexistentProcess(t *testing.T) {
	// A pid this large is essentially guaranteed not to exist.
	_, err := System{}.Join(1<<30, Mount)
	if err == nil {
		t.Fatal("expected an error joining a nonexistent process's namespace")
	}
	if !errors.Is(err, fimerrors.ErrConfigInvalid) && !errors.Is(err, fimerrors.ErrPermissionDenied) {
		t.Fatalf("Join error = %v, want ErrConfigInvalid or ErrPermissionDenied", err)
	}
}

func TestSystemJoinOwnPidMount(t *testing.T) {
	// Joining our own mount namespace changes nothing, but setns still
	// checks privilege, so the test is skipped where the kernel refuses it.
	_, err := System{}.Join(os.Getpid(), Mount)
	if err != nil {
		t.Skipf("setns into own namespace failed (environment lacks CAP_SYS_ADMIN?): %v", err)
	}
}
