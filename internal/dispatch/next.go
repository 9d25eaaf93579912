package dispatch

import (
	"context"
	"errors"
	"log"

	"courierdispatch/internal/matrix"
	"courierdispatch/internal/model"
)

// Destination tells a driver where to go next.
type Destination struct {
	Pickup     *model.Pickup  `json:"pickup,omitempty"`
	Location   model.GeoPoint `json:"location"`
	ToHub      bool           `json:"toHub"`
	IsLast     bool           `json:"isLast"`
	Remaining  int            `json:"remaining"` // stops after this one
	Route      *matrix.Route  `json:"route,omitempty"`
	RouteError string         `json:"routeError,omitempty"`
}

// NextDestination claims the head of the queue like ClaimNext and adds
// directions from the driver's last known location. With a hub configured an
// empty queue sends the driver back to the hub instead of failing. A failed
// route lookup never fails the claim.
func (o *Orchestrator) NextDestination(ctx context.Context, zoneID, driverID string) (Destination, error) {
	p, err := o.ClaimNext(ctx, zoneID, driverID)
	var d Destination
	switch {
	case errors.Is(err, ErrEmptyQueue) && o.opts.Hub != nil:
		d = Destination{Location: *o.opts.Hub, ToHub: true, IsLast: true}
	case err != nil:
		return Destination{}, err
	default:
		d = Destination{Pickup: &p, Location: p.Location}
	}
	ds, err := o.state(zoneID, driverID)
	if err != nil {
		return Destination{}, err
	}
	v := ds.view.Load()
	if d.Pickup != nil {
		d.Remaining = max(len(v.Stops)-1, 0)
		d.IsLast = d.Remaining == 0
	}
	if o.opts.Router == nil {
		return d, nil
	}
	rctx := ctx
	if o.opts.RouteTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.opts.RouteTimeout)
		defer cancel()
	}
	r, err := o.opts.Router.Route(rctx, v.Location, d.Location)
	if err != nil {
		log.Printf("dispatch: route zone=%s driver=%s err=%v", zoneID, driverID, err)
		d.RouteError = err.Error()
		return d, nil
	}
	d.Route = r
	return d, nil
}
