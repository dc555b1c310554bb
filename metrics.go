// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import "expvar"

// ipcMetrics record frame and call activity counters.
type ipcMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int
	sendFailed   expvar.Int
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls reporting an error
	callOut      expvar.Int // number of outbound calls initiated
	callOutErr   expvar.Int // number of outbound calls reporting an error
	cancelIn     expvar.Int // number of cancellations received
	callActive   expvar.Int // inbound calls executing
	callPending  expvar.Int // outbound calls awaiting a response
	callQueued   expvar.Int // inbound requests parked on unregistered channels
	eventActive  expvar.Int // live event subscriptions served

	emap *expvar.Map
}

var mx = newIPCMetrics()

// Metrics returns the metrics map shared by all peers in the process. It is
// safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return mx.emap }

func newIPCMetrics() *ipcMetrics {
	m := &ipcMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_sent", &m.frameSent)
	m.emap.Set("frames_dropped", &m.frameDropped)
	m.emap.Set("sends_failed", &m.sendFailed)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("cancels_in", &m.cancelIn)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("calls_queued", &m.callQueued)
	m.emap.Set("events_active", &m.eventActive)
	return m
}
