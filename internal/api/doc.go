// Package api is the operator HTTP front end: health, status, queue listing,
// demo submissions and manual flush. Service hosts it under a supervisor.
package api
