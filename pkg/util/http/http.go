package http

import (
	"errors"
	"net/http"
)

func isSuccessStatusCode(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func isAuthFailureStatusCode(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

func isNotFoundStatusCode(resp *http.Response) bool {
	return resp.StatusCode == http.StatusNotFound
}

func EnsureSuccessStatusCode(resp *http.Response) error {
	if !isSuccessStatusCode(resp) {
		return errors.New("http response did not indicate success status code: " + resp.Status)
	}
	return nil
}

func IsSuccess(resp *http.Response) bool {
	return isSuccessStatusCode(resp)
}

func IsAuthFailure(resp *http.Response) bool {
	return isAuthFailureStatusCode(resp)
}

func IsNotFound(resp *http.Response) bool {
	return isNotFoundStatusCode(resp)
}
