package core

import "reflect"

// MaxAddressLength bounds event bus addresses.
const MaxAddressLength = 255

// ValidateAddress validates an event bus address
func ValidateAddress(address string) error {
	if address == "" {
		return newError(ErrInvalidAddress.Code, "address cannot be empty")
	}
	if len(address) > MaxAddressLength {
		return newError(ErrInvalidAddress.Code, "address too long (max %d characters)", MaxAddressLength)
	}
	return nil
}

// ValidateVerticle validates a verticle before deployment
func ValidateVerticle(verticle Verticle) error {
	if isNilValue(verticle) {
		return ErrInvalidVerticle
	}
	return nil
}

// ValidateDeploymentID validates a deployment ID before undeployment
func ValidateDeploymentID(deploymentID string) error {
	if deploymentID == "" {
		return ErrInvalidDeploymentID
	}
	return nil
}

// ValidateBody validates a message body
func ValidateBody(body interface{}) error {
	if body == nil {
		return ErrInvalidBody
	}
	return nil
}

func isNilValue(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
