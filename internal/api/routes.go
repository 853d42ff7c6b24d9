package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ListRecordsParams defines parameters for ListRecords.
type ListRecordsParams struct {
	// Limit is the page size, 1 to 100.
	Limit uint32 `form:"limit" json:"limit"`
	// Cursor is the next_cursor token of the previous page.
	Cursor *string `form:"cursor,omitempty" json:"cursor,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /health)
	Health(w http.ResponseWriter, r *http.Request)
	// (POST /v1/admin)
	InitAdmin(w http.ResponseWriter, r *http.Request)
	// (GET /v1/partitions)
	ListPartitions(w http.ResponseWriter, r *http.Request)
	// (POST /v1/partitions/{partition}/records)
	AppendRecord(w http.ResponseWriter, r *http.Request, partition uint64)
	// (GET /v1/partitions/{partition}/records)
	ListRecords(w http.ResponseWriter, r *http.Request, partition uint64, params ListRecordsParams)
	// (GET /v1/partitions/{partition}/count)
	CountRecords(w http.ResponseWriter, r *http.Request, partition uint64)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler          ServerInterface
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) Health(w http.ResponseWriter, r *http.Request) {
	siw.Handler.Health(w, r)
}

func (siw *ServerInterfaceWrapper) InitAdmin(w http.ResponseWriter, r *http.Request) {
	siw.Handler.InitAdmin(w, r)
}

func (siw *ServerInterfaceWrapper) ListPartitions(w http.ResponseWriter, r *http.Request) {
	siw.Handler.ListPartitions(w, r)
}

func (siw *ServerInterfaceWrapper) AppendRecord(w http.ResponseWriter, r *http.Request) {
	partition, ok := siw.bindPartition(w, r)
	if !ok {
		return
	}
	siw.Handler.AppendRecord(w, r, partition)
}

func (siw *ServerInterfaceWrapper) ListRecords(w http.ResponseWriter, r *http.Request) {
	partition, ok := siw.bindPartition(w, r)
	if !ok {
		return
	}

	var params ListRecordsParams
	if err := runtime.BindQueryParameter("form", true, true, "limit", r.URL.Query(), &params.Limit); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "cursor", r.URL.Query(), &params.Cursor); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "cursor", Err: err})
		return
	}
	siw.Handler.ListRecords(w, r, partition, params)
}

func (siw *ServerInterfaceWrapper) CountRecords(w http.ResponseWriter, r *http.Request) {
	partition, ok := siw.bindPartition(w, r)
	if !ok {
		return
	}
	siw.Handler.CountRecords(w, r, partition)
}

func (siw *ServerInterfaceWrapper) bindPartition(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	var partition uint64
	err := runtime.BindStyledParameterWithLocation("simple", false, "partition", runtime.ParamLocationPath, chi.URLParam(r, "partition"), &partition)
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "partition", Err: err})
		return 0, false
	}
	return partition, true
}

// InvalidParamFormatError reports a path or query parameter that failed to bind.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:          si,
		ErrorHandlerFunc: options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health", wrapper.Health)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/v1/admin", wrapper.InitAdmin)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/v1/partitions", wrapper.ListPartitions)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/v1/partitions/{partition}/records", wrapper.AppendRecord)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/v1/partitions/{partition}/records", wrapper.ListRecords)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/v1/partitions/{partition}/count", wrapper.CountRecords)
	})
	return r
}
