// Package clock implements the RTI side of physical clock synchronization.
//
// The RTI is the time master. One exchange with a federate is:
//
//	RTI -> federate  T1(t1)   RTI physical time when sent
//	federate -> RTI  T3(id)   federate's reply, timestamped on its side
//	RTI -> federate  T4(t4)   RTI physical time when T3 arrived
//
// From t1, t4 and its own send/receive times a federate estimates its
// offset from the RTI. During the handshake a fixed number of exchanges
// run over the federate's TCP connection. When runtime sync is on, one
// exchange per federate runs over UDP every period; each UDP T4 is
// followed at once by a coded probe carrying a fresh timestamp, so the
// federate can discard rounds disturbed by jitter.
//
// A UDP exchange that times out is skipped, never fatal.
package clock

import (
	"fmt"
	"io"
	"time"

	"github.com/daviddao/tagrti/pkg/config"
	"github.com/daviddao/tagrti/pkg/wire"
)

// Mode is the federation-wide clock sync setting.
type Mode int

const (
	// Off disables clock sync entirely.
	Off Mode = iota
	// Init syncs each federate once during its handshake.
	Init
	// On adds periodic UDP rounds after startup.
	On
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case config.ClockSyncOff:
		return Off, nil
	case config.ClockSyncInit:
		return Init, nil
	case config.ClockSyncOn:
		return On, nil
	}
	return Off, fmt.Errorf("unknown clock sync mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case Off:
		return config.ClockSyncOff
	case Init:
		return config.ClockSyncInit
	case On:
		return config.ClockSyncOn
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Source returns physical time in nanoseconds since the epoch.
type Source func() int64

// SystemTime reads the system clock.
func SystemTime() int64 { return time.Now().UnixNano() }

// InitialSync runs exchanges T1/T3/T4 rounds with federate fedID over rw.
// A reply other than T3, or a T3 naming another federate, fails the sync.
func InitialSync(rw io.ReadWriter, fedID uint16, exchanges int, now Source) error {
	for i := 0; i < exchanges; i++ {
		if _, err := rw.Write(wire.EncodeTime(wire.ClockSyncT1, now())); err != nil {
			return fmt.Errorf("send T1: %w", err)
		}
		id, err := wire.ReadT3(rw)
		if err != nil {
			return fmt.Errorf("read T3: %w", err)
		}
		if id != int32(fedID) {
			return fmt.Errorf("T3 from federate %d during sync with %d: %w", id, fedID, wire.ErrUnexpectedMessage)
		}
		if _, err := rw.Write(wire.EncodeTime(wire.ClockSyncT4, now())); err != nil {
			return fmt.Errorf("send T4: %w", err)
		}
	}
	return nil
}
