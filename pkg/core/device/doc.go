// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device models an accelerator with a bounded memory and independent execution streams.
//
// A Stream is a FIFO of device operations executed in order on its own goroutine. Operations on
// different streams run concurrently, and ordering across streams requires an explicit barrier:
// Stream.WaitEvent enqueues an operation that holds the stream until the
// given Event completes. It does not block the calling goroutine.
//
// Every Device has a main stream, where the training computation runs. Data loaders own extra
// streams (created with Device.NewStream) dedicated to host->device transfers, issued with
// Device.CopyToDevice:
//
//	copyStream := dev.NewStream("prefetch")
//	onDevice, copied, err := dev.CopyToDevice(copyStream, hostTensor)
//	if err != nil { ... } // Allocation failure: out of device memory.
//	dev.MainStream().WaitEvent(copied)
//	dev.MainStream().Enqueue(func() error { ... use onDevice ... })
//
// Errors are sticky per stream: once an operation fails, every later operation on the same stream
// fails with it, and so does any stream that waited on a failed event.
package device
