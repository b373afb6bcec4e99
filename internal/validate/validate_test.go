package validate

import "testing"

func TestName(t *testing.T) {
	cases := []struct {
		value   string
		wantErr bool
	}{
		{"alice", false},
		{"a.b.c123", false},
		{"abc", true},             // too short
		{"this-name-is-too-long-for-the-rule", true},
		{"bad name", true},        // space not allowed
		{"", true},
	}
	for _, c := range cases {
		err := Name("username", c.value)
		if (err != nil) != c.wantErr {
			t.Errorf("Name(%q) error = %v, wantErr %v", c.value, err, c.wantErr)
		}
	}
}

func TestIPv4(t *testing.T) {
	if err := IPv4("ip", "10.0.0.1"); err != nil {
		t.Errorf("IPv4(valid) = %v, want nil", err)
	}
	if err := IPv4("ip", "not-an-ip"); err == nil {
		t.Error("IPv4(invalid) = nil, want error")
	}
	if err := IPv4("ip", "::1"); err == nil {
		t.Error("IPv4(ipv6) = nil, want error")
	}
}

func TestPort(t *testing.T) {
	if err := Port("p", 8080); err != nil {
		t.Errorf("Port(8080) = %v, want nil", err)
	}
	if err := Port("p", 0); err == nil {
		t.Error("Port(0) = nil, want error")
	}
	if err := Port("p", 70000); err == nil {
		t.Error("Port(70000) = nil, want error")
	}
}

func TestHistorySize(t *testing.T) {
	if err := HistorySize(10); err != nil {
		t.Errorf("HistorySize(10) = %v, want nil", err)
	}
	if err := HistorySize(0); err == nil {
		t.Error("HistorySize(0) = nil, want error")
	}
	if err := HistorySize(-1); err == nil {
		t.Error("HistorySize(-1) = nil, want error")
	}
}
