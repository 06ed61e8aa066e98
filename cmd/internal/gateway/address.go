package gateway

import "strings"

// Address servers used by the messaging network.
const (
	serverDirect     = "s.whatsapp.net"
	serverOpaque     = "lid"
	serverGroup      = "g.us"
	serverBroadcast  = "broadcast"
	serverNewsletter = "newsletter"

	statusBroadcast = "status@broadcast"
)

// AddressKind classifies a transport address by its server suffix.
type AddressKind uint8

const (
	AddressUnknown AddressKind = iota
	AddressDirect
	AddressOpaque
	AddressGroup
	AddressBroadcast
	AddressNewsletter
)

func (k AddressKind) String() string {
	switch k {
	case AddressDirect:
		return "direct"
	case AddressOpaque:
		return "opaque"
	case AddressGroup:
		return "group"
	case AddressBroadcast:
		return "broadcast"
	case AddressNewsletter:
		return "newsletter"
	default:
		return "unknown"
	}
}

// ClassifyAddress returns the kind of a full address ("user@server").
// A bare number has no suffix and is reported as AddressUnknown.
func ClassifyAddress(addr string) AddressKind {
	addr = strings.TrimSpace(addr)
	if addr == statusBroadcast {
		return AddressBroadcast
	}
	_, server, ok := strings.Cut(addr, "@")
	if !ok {
		return AddressUnknown
	}
	switch server {
	case serverDirect:
		return AddressDirect
	case serverOpaque:
		return AddressOpaque
	case serverGroup:
		return AddressGroup
	case serverBroadcast:
		return AddressBroadcast
	case serverNewsletter:
		return AddressNewsletter
	default:
		return AddressUnknown
	}
}

// HasSuffix reports whether s already carries an explicit addressing suffix.
func HasSuffix(s string) bool {
	return strings.Contains(s, "@")
}

// UserPart strips the server suffix (and any device part) from an address.
func UserPart(addr string) string {
	user, _, _ := strings.Cut(strings.TrimSpace(addr), "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// DirectAddress composes the default direct-form address for a number.
func DirectAddress(number string) string {
	n := digitsOnly(UserPart(number))
	if n == "" {
		return ""
	}
	return n + "@" + serverDirect
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// mexicanMobileVariant toggles the legacy "1" after country code 52.
// Numbers registered before 2020 may exist on the network under either form.
func mexicanMobileVariant(number string) string {
	n := digitsOnly(number)
	switch {
	case strings.HasPrefix(n, "521") && len(n) == 13:
		return "52" + n[3:]
	case strings.HasPrefix(n, "52") && len(n) == 12:
		return "521" + n[2:]
	default:
		return ""
	}
}
