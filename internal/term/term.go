// Package term puts the host terminal into raw mode so guest keystrokes
// reach the console/UART back-ends byte-by-byte instead of being
// line-buffered and echoed by the host tty driver. Terminal raw-mode setup
// is an out-of-scope collaborator per spec §1, kept minimal here.
package term

import "golang.org/x/sys/unix"

// State is the terminal settings saved by MakeRaw, to be restored later.
type State struct {
	fd   int
	orig unix.Termios
}

// MakeRaw puts fd (normally os.Stdin.Fd()) into raw mode and returns the
// previous state for Restore.
func MakeRaw(fd int) (*State, error) {
	orig, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	raw := *orig
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}

	return &State{fd: fd, orig: *orig}, nil
}

// Restore returns the terminal to the state saved by MakeRaw.
func (s *State) Restore() error {
	return unix.IoctlSetTermios(s.fd, unix.TCSETS, &s.orig)
}

// IsTerminal reports whether fd refers to a terminal, so the caller can skip
// raw-mode setup and stdin forwarding when running under a pipe or in the
// background (spec §6 CLI surface collaborator).
func IsTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)

	return err == nil
}
