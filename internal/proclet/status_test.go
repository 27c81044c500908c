package proclet

import "testing"

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"absent to populating", Absent, Populating, true},
		{"absent to present", Absent, Present, true},
		{"populating to present", Populating, Present, true},
		{"populating to depopulating", Populating, Depopulating, true},
		{"present to migrating", Present, Migrating, true},
		{"migrating to cleaning", Migrating, Cleaning, true},
		{"cleaning to absent", Cleaning, Absent, true},
		{"present to destructing", Present, Destructing, true},
		{"destructing to absent", Destructing, Absent, true},
		{"depopulating to absent", Depopulating, Absent, true},
		{"present to absent direct", Present, Absent, false},
		{"absent to migrating", Absent, Migrating, false},
		{"cleaning to present", Cleaning, Present, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := CanTransition(tc.from, tc.to)
			if got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}
