package control

import (
	"math"
	"time"
)

const (
	raise = 0
	lower = 1
)

// Machine evaluates one port's control against held keys. It lives on the
// authoritative side only; callers place Value on the port, never key state.
type Machine struct {
	settings Settings
	start    float64
	window   time.Duration

	value   float64
	target  float64
	moving  bool
	driving bool
	active  int

	held      [2]bool
	consumed  [2]bool
	pressed   [2]bool
	lastPress [2]time.Duration
}

// NewMachine starts at start. window bounds the gap between the two presses
// of a double press, measured on the simulation clock.
func NewMachine(s Settings, start float64, window time.Duration) *Machine {
	return &Machine{
		settings: s,
		start:    start,
		window:   window,
		value:    start,
		target:   start,
		active:   -1,
	}
}

func (m *Machine) Value() float64     { return m.value }
func (m *Machine) Start() float64     { return m.start }
func (m *Machine) Settings() Settings { return m.settings }

// Moving reports whether a smooth control is still approaching its target.
func (m *Machine) Moving() bool { return m.moving }

// Update advances the machine by dt seconds at simulation time now.
func (m *Machine) Update(keys Keys, now time.Duration, dt float64) float64 {
	bindings := [2]Binding{raise: m.settings.Raise, lower: m.settings.Lower}
	var held [2]bool
	for i, b := range bindings {
		held[i] = keys != nil && b.Bound() && keys.Held(b.Key)
	}
	for i := range bindings {
		switch {
		case held[i] && !m.held[i]:
			m.press(i, now)
		case !held[i] && m.held[i]:
			m.consumed[i] = false
		}
	}
	m.held = held

	drive := -1
	if m.active >= 0 && held[m.active] && !m.consumed[m.active] {
		drive = m.active
	} else {
		for i := range bindings {
			if held[i] && !m.consumed[i] {
				drive = i
				break
			}
		}
	}

	switch {
	case drive >= 0:
		m.driving = true
		mag := bindings[drive].Magnitude
		if m.settings.Mode == ModeInstant {
			m.value = mag
		} else {
			m.target = mag
			m.moving = true
		}
	case m.driving:
		m.driving = false
		if m.settings.releaseResets() {
			m.reset()
		}
	}

	if m.settings.Mode == ModeSmooth && m.moving {
		m.approach(dt)
	}
	return m.value
}

func (m *Machine) press(i int, now time.Duration) {
	double := m.settings.doublePressResets() && m.pressed[i] && now-m.lastPress[i] <= m.window
	if double {
		// A third press starts a new pair.
		m.pressed[i] = false
		m.consumed[i] = true
		m.driving = false
		m.reset()
		return
	}
	m.pressed[i] = true
	m.lastPress[i] = now
	m.active = i
}

// reset applies the configured release or double-press action.
func (m *Machine) reset() {
	if m.settings.Mode == ModeInstant {
		m.value = m.start
		return
	}
	switch m.settings.Stop {
	case StopOnRelease, StopOnDoublePress:
		m.moving = false
	case ResetOnReleaseSmooth, ResetOnDoublePressSmooth:
		m.target = m.start
		m.moving = true
	case InstantResetOnRelease, InstantResetOnDoublePress:
		m.value = m.start
		m.target = m.start
		m.moving = false
	}
}

func (m *Machine) approach(dt float64) {
	if dt <= 0 {
		return
	}
	step := m.settings.Speed * dt
	diff := m.target - m.value
	if math.Abs(diff) <= step {
		m.value = m.target
		m.moving = false
		return
	}
	m.value += math.Copysign(step, diff)
}
