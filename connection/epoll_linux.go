// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

//go:build linux

package connection

import (
	"time"

	"github.com/diffeo/go-httpway/way"
	"golang.org/x/sys/unix"
)

// epollSelector is a level-triggered epoll instance with a pipe for
// wakeups.
type epollSelector struct {
	epfd   int
	wakeR  int
	wakeW  int
	events []unix.EpollEvent
}

// NewSelector creates the platform selector.
func NewSelector() (Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	s := &epollSelector{
		epfd:   epfd,
		wakeR:  p[0],
		wakeW:  p[1],
		events: make([]unix.EpollEvent, 128),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeR, &ev); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func epollEvents(interest way.Interest) uint32 {
	var events uint32
	if interest&way.Read != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&way.Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func (s *epollSelector) Register(fd int, interest way.Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (s *epollSelector) Modify(fd int, interest way.Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (s *epollSelector) Unregister(fd int) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *epollSelector) Select(timeout time.Duration, fn func(Event)) error {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(s.epfd, s.events, msec)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return err
	}
	for _, ev := range s.events[:n] {
		fd := int(ev.Fd)
		if fd == s.wakeR {
			s.drainWakeups()
			continue
		}
		var ready way.Interest
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ready |= way.Read
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= way.Write
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// Let both ways find the problem through their own
			// read or write.
			ready |= way.Read | way.Write
		}
		fn(Event{Fd: fd, Ready: ready})
	}
	return nil
}

func (s *epollSelector) drainWakeups() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *epollSelector) Wakeup() error {
	_, err := unix.Write(s.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// The pipe is full, so a wakeup is already pending.
		return nil
	}
	return err
}

func (s *epollSelector) Close() error {
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	return unix.Close(s.epfd)
}
