package enums

import "fmt"

// OrderActor identifies who drove an order status change.
type OrderActor string

const (
	OrderActorSystem   OrderActor = "system"
	OrderActorAdmin    OrderActor = "admin"
	OrderActorCustomer OrderActor = "customer"
)

var validOrderActors = []OrderActor{
	OrderActorSystem,
	OrderActorAdmin,
	OrderActorCustomer,
}

// String implements fmt.Stringer.
func (a OrderActor) String() string {
	return string(a)
}

// IsValid reports whether the value is a known OrderActor.
func (a OrderActor) IsValid() bool {
	for _, candidate := range validOrderActors {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOrderActor converts raw input into an OrderActor.
func ParseOrderActor(value string) (OrderActor, error) {
	for _, candidate := range validOrderActors {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order actor %q", value)
}
