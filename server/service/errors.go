package service

import "github.com/fleetdm/devicefarm/server/fleet"

func badRequest(msg string) error {
	return &fleet.BadRequestError{Message: msg}
}

func badRequestErr(publicMsg string, internalErr error) error {
	return &fleet.BadRequestError{
		Message:     publicMsg,
		InternalErr: internalErr,
	}
}
