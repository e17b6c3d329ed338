// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// socket opens a TCP data session through the modem, sends a message, and
// dumps whatever comes back.
//
// This provides an example of using the cellular package's raw and
// hex-escaped payload support.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/kosma/attentive-go/cellular"
	"github.com/kosma/attentive-go/serial"
	"github.com/kosma/attentive-go/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	host := flag.String("h", "example.com", "host to connect to")
	port := flag.Int("p", 80, "port to connect to")
	msg := flag.String("m", "hello\r\n", "message to send")
	recvLen := flag.Int("n", 64, "number of bytes to read back")
	hex := flag.Bool("x", false, "use hex-escaped payload mode for the read")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()

	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *verbose {
		mio = trace.New(m)
	}
	c := cellular.New(mio)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = c.Init(ctx)
	cancel()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), *timeout)
	s, err := c.Connect(ctx, 1, *host, uint16(*port))
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		s.Close(ctx)
		cancel()
	}()

	ctx, cancel = context.WithTimeout(context.Background(), *timeout)
	_, err = s.Send(ctx, []byte(*msg))
	cancel()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), *timeout)
	var data []byte
	if *hex {
		data, err = s.RecvHex(ctx, *recvLen)
	} else {
		data, err = s.Recv(ctx, *recvLen)
	}
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", data)
}
