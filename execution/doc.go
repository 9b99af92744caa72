/*
Package execution defines the seed-treatment execution domain: orders,
execution records and the workflow step table.

# Steps

An operator walks an order through a fixed sequence of steps. Some
steps are repeated for every product of the order (per-product steps)
and the consumption steps branch on the application method chosen in
the second step: Slurry captures one aggregate consumption figure, CDS
captures one per product. The whole topology, including where each
loop ends, is decided by Next and described by the step table (see
Spec): which steps need the camera, what persistence leaving a step
requires and which step to return to if that persistence fails.

# Records

An ExecutionRecord is created when an operator claims an order and is
owned by that operator until completion or abandonment. It is always
saved as a full snapshot. Every snapshot carries a sequence number so
that the remote authority can reject stale snapshots replayed from an
offline queue.

# Gates

A step can only be left when its gate is met: a positive applied rate,
a captured photo, an entered quantity or an explicit confirmation.
Unmet gates are reported as *GateError and never reach persistence.
*/
package execution
