package tests

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentBundleUploadExactlyOnce(t *testing.T) {
	ts := newTestServer(t)
	token, _, deviceID := ts.register(t, "+493333333333")

	const n = 10
	var wg sync.WaitGroup
	statuses := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := ts.post(t, "/v1/keys", token, uploadBody(5))
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 1, counts[http.StatusOK])
	assert.Equal(t, n-1, counts[http.StatusConflict])

	var prekeys int
	require.NoError(t, ts.DB.QueryRow("SELECT COUNT(*) FROM one_time_prekeys WHERE device_id = $1", deviceID).Scan(&prekeys))
	assert.Equal(t, 5, prekeys)
}

func TestConcurrentBundleFetchDistinctPrekeys(t *testing.T) {
	ts := newTestServer(t)
	token, _, deviceID := ts.register(t, "+494444444444")
	status, _ := ts.post(t, "/v1/keys", token, uploadBody(5))
	require.Equal(t, http.StatusOK, status)
	peer, _, _ := ts.register(t, "+495555555555")

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	exhausted := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, res := ts.get(t, "/v1/devices/"+deviceID+"/bundle", peer)
			assert.Equal(t, http.StatusOK, status)
			mu.Lock()
			defer mu.Unlock()
			pk, ok := res["one_time_prekey"].(map[string]any)
			if !ok {
				exhausted++
				return
			}
			seen[fmt.Sprint(pk["id"])]++
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, c := range seen {
		assert.Equal(t, 1, c, "prekey %s handed out %d times", id, c)
	}
	assert.Equal(t, n-5, exhausted)
}

func TestConcurrentRegisterSinglePendingCode(t *testing.T) {
	ts := newTestServer(t)
	const phone = "+496666666666"

	const n = 6
	var wg sync.WaitGroup
	statuses := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[int]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 1, counts[http.StatusAccepted])
	assert.Equal(t, n-1, counts[http.StatusTooManyRequests])
}

func TestConcurrentWrongCodesNeverExceedLimit(t *testing.T) {
	ts := newTestServer(t)
	const phone = "+497777777777"
	status, res := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
	require.Equal(t, http.StatusAccepted, status)
	wrong := "100000"
	if res["dev_otp"] == wrong {
		wrong = "100001"
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": wrong})
		}()
	}
	wg.Wait()

	var attempts int
	require.NoError(t, ts.DB.QueryRow("SELECT attempt_count FROM verification_codes WHERE phone_number = $1", phone).Scan(&attempts))
	assert.Equal(t, 5, attempts)
}
