package stackmgr

import (
	"context"
	"testing"

	"github.com/nu-lp/corelp/internal/wire"
	"github.com/shoenig/test/must"
)

type fakeReleaser struct {
	released []wire.GCStackRequest
	origins  []wire.NodeIP
}

func (f *fakeReleaser) ReleaseRemoteStack(ctx context.Context, origin wire.NodeIP, req wire.GCStackRequest) error {
	f.released = append(f.released, req)
	f.origins = append(f.origins, origin)
	return nil
}

func TestCluster_AcquireExhaustion(t *testing.T) {
	c := NewCluster("node-a", 1<<30, 1<<21, 2)
	_, err := c.Acquire()
	must.NoError(t, err)
	_, err = c.Acquire()
	must.NoError(t, err)
	_, err = c.Acquire()
	must.Error(t, err)
}

func TestManager_ReleaseLocalReusesSlot(t *testing.T) {
	c := NewCluster("node-a", 1<<30, 1<<21, 1)
	m := NewManager("node-a", c, nil)

	h, err := m.Acquire()
	must.NoError(t, err)
	must.NoError(t, m.Release(context.Background(), h))

	h2, err := m.Acquire()
	must.NoError(t, err)
	must.Eq(t, h.Index, h2.Index)
}

func TestManager_ReleaseRemoteGoesOverRPC(t *testing.T) {
	c := NewCluster("node-b", 1<<30, 1<<21, 1)
	releaser := &fakeReleaser{}
	m := NewManager("node-b", c, releaser)

	h := Handle{Origin: "node-a", Index: 3, Base: 1<<30 + 3*(1<<21)}
	must.NoError(t, m.Release(context.Background(), h))
	must.Eq(t, 1, len(releaser.released))
	must.Eq(t, wire.NodeIP("node-a"), releaser.origins[0])
	must.Eq(t, h.Base, releaser.released[0].StackBase)
}
