package launcher

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sentinels for the process-global write-end slot. A non-negative value
// is a live pipe fd.
const (
	slotClosed int64 = -1
	slotInUse  int64 = -2
)

// writeSlot holds the write end of the armed bridge's pipe. The handler
// swaps it to slotInUse around the write so teardown can tell whether
// the fd is mid-use; whichever side observes the other's sentinel takes
// over closing the fd.
var writeSlot atomic.Int64

func init() {
	writeSlot.Store(slotClosed)
}

// SignalBridge forwards interrupt, hangup, and terminate signals into a
// pipe. A reader goroutine owned by the orchestrator drains the pipe
// and interrupts the supervised child. At most one bridge may be armed
// in the process at a time.
type SignalBridge struct {
	readEnd *os.File
	sigCh   chan os.Signal
	done    chan struct{}
}

// Arm installs the handlers and returns the armed bridge, whose ReadEnd
// yields one readable byte carrying the signal number for every
// delivered signal. Arm fails when another bridge is already armed.
func Arm() (*SignalBridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	if !writeSlot.CompareAndSwap(slotClosed, int64(fds[1])) {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, errors.New("a signal bridge is already armed")
	}

	bridge := &SignalBridge{
		readEnd: os.NewFile(uintptr(fds[0]), "signal-pipe"),
		sigCh:   make(chan os.Signal, 8),
		done:    make(chan struct{}),
	}
	signal.Notify(bridge.sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	go bridge.run()
	return bridge, nil
}

// ReadEnd returns the pipe's read end. Reading a byte means a signal
// arrived; EOF means the bridge was disarmed.
func (b *SignalBridge) ReadEnd() *os.File {
	return b.readEnd
}

// run performs the handler protocol for each delivered signal: claim
// the slot, write without blocking, restore. If the slot was closed
// while claimed, this side closes the fd.
func (b *SignalBridge) run() {
	defer close(b.done)
	for sig := range b.sigCh {
		num, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		fd := writeSlot.Swap(slotInUse)
		if fd < 0 {
			// Disarmed concurrently; put the sentinel back.
			writeSlot.CompareAndSwap(slotInUse, fd)
			continue
		}
		unix.Write(int(fd), []byte{byte(num)})
		if !writeSlot.CompareAndSwap(slotInUse, fd) {
			// Disarm ran while we held the fd; closing is on us now.
			unix.Close(int(fd))
		}
	}
}

// Disarm restores default signal handling, closes the pipe, and frees
// the global slot for the next bridge.
func (b *SignalBridge) Disarm() {
	signal.Stop(b.sigCh)
	close(b.sigCh)
	<-b.done

	fd := writeSlot.Swap(slotClosed)
	if fd >= 0 {
		unix.Close(int(fd))
	}
	b.readEnd.Close()
}
