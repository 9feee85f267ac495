package quota_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/quota"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAdmitterAdmitExecute(t *testing.T) {
	deterministicClock := clock.NewDeterministicClock(time.Unix(1000, 0))
	admitter := quota.NewAdmitter(deterministicClock, auth.NewTenantRegistry([]*auth.Tenant{
		{
			Name:                     "metered",
			ExecuteRequestsPerSecond: 1,
		},
		{
			Name: "unmetered",
		},
		{
			Name:     "suspended",
			Disabled: true,
		},
	}))

	t.Run("UnknownTenant", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.PermissionDenied, "Tenant \"stranger\" is not known"),
			admitter.AdmitExecute("stranger"))
	})

	t.Run("DisabledTenant", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.PermissionDenied, "Tenant \"suspended\" has been disabled"),
			admitter.AdmitExecute("suspended"))
	})

	t.Run("BurstThenThrottle", func(t *testing.T) {
		// At one request per second the bucket holds two tokens,
		// so two calls may arrive back to back.
		require.NoError(t, admitter.AdmitExecute("metered"))
		require.NoError(t, admitter.AdmitExecute("metered"))
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.ResourceExhausted, "Tenant \"metered\" exceeded its rate of 1 execute requests per second"),
			admitter.AdmitExecute("metered"))

		// One second later a single token has been replenished.
		deterministicClock.Advance(time.Second)
		require.NoError(t, admitter.AdmitExecute("metered"))
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.ResourceExhausted, "Tenant \"metered\" exceeded its rate of 1 execute requests per second"),
			admitter.AdmitExecute("metered"))
	})

	t.Run("NoRateLimit", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			require.NoError(t, admitter.AdmitExecute("unmetered"))
		}
	})
}

func TestAdmitterExecutionSlots(t *testing.T) {
	deterministicClock := clock.NewDeterministicClock(time.Unix(1000, 0))
	admitter := quota.NewAdmitter(deterministicClock, auth.NewTenantRegistry([]*auth.Tenant{
		{
			Name:                      "capped",
			MaximumInFlightOperations: 2,
		},
		{
			Name: "uncapped",
		},
	}))

	t.Run("CapReached", func(t *testing.T) {
		require.True(t, admitter.TryAcquireExecutionSlot("capped"))
		require.True(t, admitter.TryAcquireExecutionSlot("capped"))
		require.False(t, admitter.TryAcquireExecutionSlot("capped"))

		// Releasing a slot makes room for one more operation.
		admitter.ReleaseExecutionSlot("capped")
		require.True(t, admitter.TryAcquireExecutionSlot("capped"))
		require.False(t, admitter.TryAcquireExecutionSlot("capped"))

		admitter.ReleaseExecutionSlot("capped")
		admitter.ReleaseExecutionSlot("capped")
	})

	t.Run("NoCap", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.True(t, admitter.TryAcquireExecutionSlot("uncapped"))
		}
		for i := 0; i < 10; i++ {
			admitter.ReleaseExecutionSlot("uncapped")
		}
	})

	t.Run("RemovedTenantDrains", func(t *testing.T) {
		// Work that was admitted before a tenant disappeared from
		// the registry must still be allowed to run.
		require.True(t, admitter.TryAcquireExecutionSlot("departed"))
		admitter.ReleaseExecutionSlot("departed")
	})
}
