// constants.go - Veilroute internal constants.
// Copyright (C) 2018  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package constants defines internal constants shared across veilroute
// components.
package constants

import "time"

const (
	// Namespace is the prometheus namespace all metrics live under.
	Namespace = "veilroute"

	// RelaySubsystem is the prometheus subsystem of the relay pipeline.
	RelaySubsystem = "relay"

	// ReputationSubsystem is the prometheus subsystem of the score tracker.
	ReputationSubsystem = "reputation"

	// SessionSubsystem is the prometheus subsystem of the session manager.
	SessionSubsystem = "session"

	// ProofSubsystem is the prometheus subsystem of the proof system.
	ProofSubsystem = "proof"

	// TransportSubsystem is the prometheus subsystem of the hop transport.
	TransportSubsystem = "transport"

	// KeepAliveInterval is the transport keep-alive interval.
	KeepAliveInterval = 3 * time.Minute
)
