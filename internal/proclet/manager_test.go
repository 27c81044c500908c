package proclet

import (
	"testing"

	"github.com/nu-lp/corelp/internal/wire"
	"github.com/shoenig/test/must"
)

func TestManager_SetupInsertLocalCreate(t *testing.T) {
	st := NewStatusTable()
	m := NewManager(st)
	p := New(wire.ProcletID(0x1000), 1<<20, true, 2)

	m.Setup(p, false)
	must.Eq(t, Present, st.Get(p.ID))

	m.Insert(p)
	must.Eq(t, 1, m.Count())

	got, ok := m.Get(p.ID)
	must.True(t, ok)
	must.Eq(t, p.ID, got.ID)
}

func TestManager_RemoveForMigrationRequiresPresent(t *testing.T) {
	st := NewStatusTable()
	m := NewManager(st)
	p := New(wire.ProcletID(0x2000), 1<<20, true, 2)
	m.Setup(p, false)
	m.Insert(p)

	must.True(t, m.RemoveForMigration(p.ID))
	must.Eq(t, Migrating, st.Get(p.ID))

	// A second attempt fails: no longer Present.
	must.False(t, m.RemoveForMigration(p.ID))
}

func TestManager_RemoveForDestruction(t *testing.T) {
	st := NewStatusTable()
	m := NewManager(st)
	p := New(wire.ProcletID(0x3000), 1<<20, true, 2)
	m.Setup(p, false)
	m.Insert(p)

	must.True(t, m.RemoveForDestruction(p.ID))
	must.Eq(t, Destructing, st.Get(p.ID))

	m.Cleanup(p, false)
	must.Eq(t, 0, m.Count())
	_, ok := m.Get(p.ID)
	must.False(t, ok)
}

func TestGetInfo_OnlyRunsWhenPresent(t *testing.T) {
	st := NewStatusTable()
	m := NewManager(st)
	p := New(wire.ProcletID(0x4000), 1<<20, true, 2)
	m.Setup(p, false)
	m.Insert(p)

	result, ok := GetInfo(m, p.ID, func(p *Proclet) uint64 { return p.Capacity })
	must.True(t, ok)
	must.Eq(t, uint64(1<<20), result)

	m.RemoveForMigration(p.ID)
	_, ok = GetInfo(m, p.ID, func(p *Proclet) uint64 { return p.Capacity })
	must.False(t, ok)
}

func TestManager_AllProclets(t *testing.T) {
	st := NewStatusTable()
	m := NewManager(st)
	for i := 0; i < 3; i++ {
		p := New(wire.ProcletID(0x5000+uint64(i)*0x1000), 1<<20, true, 1)
		m.Setup(p, false)
		m.Insert(p)
	}
	must.Eq(t, 3, len(m.AllProclets()))
}
