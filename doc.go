// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

/*
Package socket provides one socket type for TCP, UDP and SRT
(https://github.com/Haivision/srt) with one state machine, one way to
wait for many sockets at once and one set of errors.

A Socket starts out closed. Create allocates a transport, Bind, Listen and
Connect move it through its states:

	s := socket.NewSocket(socket.DefaultConfig())

	if err := s.Create(socket.KindSRT); err != nil {
		// handle error
	}
	defer s.Close()

	if err := s.Bind(socket.MustParseAddress("0.0.0.0:6000")); err != nil {
		// handle error
	}

	if err := s.Listen(16); err != nil {
		// handle error
	}

A listening socket can own a Multiplexer. Accepted sockets are registered
in it with a tag of your choice, Wait reports which tags are ready:

	mux, err := s.PrepareMultiplexer()
	if err != nil {
		// handle error
	}

	mux.Register(s, s)

	for {
		n, err := mux.Wait(time.Second)
		if err != nil {
			// handle error
		}

		for i := 0; i < n; i++ {
			ev, _ := mux.EventAt(i)

			if ev.Tag == s {
				client, _ := s.Accept()
				// register client
				continue
			}

			// ev.Tag is a client, call Recv
		}
	}

Recv on a non-blocking socket returns 0 and no error if no data is
available. If the peer closed a TCP or SRT connection, the socket closes
itself and Recv returns io.EOF. All other failures are of type *Error and
match one of the Err* sentinels with errors.Is.

Kernel sockets (TCP and UDP) are only available on linux. The SRT
transport is provided by github.com/datarhei/gosrt.
*/
package socket
