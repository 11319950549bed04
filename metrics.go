// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

import "expvar"

// endpointMetrics record endpoint activity counters.
type endpointMetrics struct {
	msgRecv    expvar.Int
	msgSent    expvar.Int
	msgDropped expvar.Int
	callIn     expvar.Int // inbound calls received (source side)
	callInErr  expvar.Int // inbound calls reporting an error
	callOut    expvar.Int // outbound calls initiated (channel side)
	callOutErr expvar.Int // outbound calls reporting an error
	callPend   expvar.Int // outbound calls awaiting a response
	chanActive expvar.Int // live channels in the registry
	eventOut   expvar.Int // events sent
	eventIn    expvar.Int // events dispatched to listeners
	stateOut   expvar.Int // state updates sent
	stateIn    expvar.Int // state updates applied

	emap *expvar.Map
}

// sourceMetrics and clientMetrics are shared among all endpoints of the
// corresponding role.
var (
	sourceMetrics = newEndpointMetrics()
	clientMetrics = newEndpointMetrics()
)

func newEndpointMetrics() *endpointMetrics {
	m := &endpointMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPend)
	m.emap.Set("channels_active", &m.chanActive)
	m.emap.Set("events_sent", &m.eventOut)
	m.emap.Set("events_dispatched", &m.eventIn)
	m.emap.Set("states_sent", &m.stateOut)
	m.emap.Set("states_applied", &m.stateIn)
	return m
}
