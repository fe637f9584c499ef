// This package defines the addressing types used to key session and queue
// state. A qualified address scopes a peer device to one local account, so a
// multi-account process never mixes ratchet state between accounts.
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// A ServiceID identifies an account, ours or a peer's.
type ServiceID string

// ProtocolAddress identifies one device of a peer.
type ProtocolAddress struct {
	Identifier ServiceID
	DeviceID   uint32
}

func NewProtocolAddress(identifier ServiceID, deviceID uint32) ProtocolAddress {
	return ProtocolAddress{Identifier: identifier, DeviceID: deviceID}
}

func (a ProtocolAddress) String() string {
	return fmt.Sprintf("%s.%d", a.Identifier, a.DeviceID)
}

// QualifiedAddress scopes a protocol address to one of our accounts. Its
// string form "{ourAccountId}:{identifier}.{deviceId}" is the universal key
// for session state and per-peer queues.
type QualifiedAddress struct {
	OurAccountID ServiceID
	ProtocolAddress
}

func NewQualifiedAddress(our ServiceID, addr ProtocolAddress) QualifiedAddress {
	return QualifiedAddress{OurAccountID: our, ProtocolAddress: addr}
}

func (a QualifiedAddress) String() string {
	return fmt.Sprintf("%s:%s.%d", a.OurAccountID, a.Identifier, a.DeviceID)
}

// ParseQualifiedAddress is the inverse of QualifiedAddress.String.
func ParseQualifiedAddress(s string) (QualifiedAddress, error) {
	our, rest, ok := strings.Cut(s, ":")
	if !ok {
		return QualifiedAddress{}, fmt.Errorf("address: malformed qualified address %q", s)
	}
	identifier, device, ok := strings.Cut(rest, ".")
	if !ok {
		return QualifiedAddress{}, fmt.Errorf("address: malformed qualified address %q", s)
	}
	deviceID, err := strconv.ParseUint(device, 10, 32)
	if err != nil {
		return QualifiedAddress{}, fmt.Errorf("address: malformed device id in %q: %w", s, err)
	}
	return QualifiedAddress{
		OurAccountID:    ServiceID(our),
		ProtocolAddress: ProtocolAddress{Identifier: ServiceID(identifier), DeviceID: uint32(deviceID)},
	}, nil
}

// IdentityKey returns the key "{ourId}:{theirId}" under which a peer's
// identity record is stored.
func IdentityKey(our, their ServiceID) string {
	return fmt.Sprintf("%s:%s", our, their)
}

// PreKeyKey returns the key "{ourId}:{keyId}" under which a prekey or signed
// prekey is stored.
func PreKeyKey(our ServiceID, keyID uint32) string {
	return fmt.Sprintf("%s:%d", our, keyID)
}
