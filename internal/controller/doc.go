/*
Package controller reconciles annotated Services into Gateway API resources.

The ServiceReconciler watches Services carrying gateway.homelab.local
annotations and converges generated HTTPRoute and ReferenceGrant objects with
the declared intent. Reconciliations are keyed by Service: the workqueue
coalesces events for a Service already being processed, so per-Service passes
are strictly sequential while distinct Services reconcile concurrently.

The Service is the sole source of truth. Generated resources are never edited
by hand; drift is corrected back to the desired state on every pass, and
watches on the generated resources re-trigger the owning Service when they are
mutated or deleted out of band.
*/
package controller
