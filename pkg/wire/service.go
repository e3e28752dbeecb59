package wire

// grpc service and method names of the lease store transport
const (
	ServiceName = "leaselock.v1.LeaseStore"

	MethodAcquire = "/" + ServiceName + "/Acquire"
	MethodInspect = "/" + ServiceName + "/Inspect"
	MethodRelease = "/" + ServiceName + "/Release"
	MethodRenew   = "/" + ServiceName + "/Renew"
	MethodStatus  = "/" + ServiceName + "/Status"
)
