package serve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"imgcls/predict"
	"imgcls/util"
)

// APIs are the HTTP handlers over a Registry.
type APIs struct {
	R *Registry
}

// ListModels returns the names of the served models.
func (a *APIs) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": a.R.Names(),
	})
}

// ShowModel returns the metadata of one model.
func (a *APIs) ShowModel(c *gin.Context) {
	model := c.Param("model")
	info, err := a.R.Info(model)
	if err != nil {
		Error(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *APIs) InferDefault(c *gin.Context) {
	a.infer(c, DefaultModelName)
}

func (a *APIs) InferWithModel(c *gin.Context) {
	a.infer(c, c.Param("model"))
}

func (a *APIs) infer(c *gin.Context, model string) {
	k := predict.DefaultTopK
	if s := c.Query("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			Error(c, http.StatusBadRequest, fmt.Errorf("invalid k: %q", s))
			return
		}
		k = n
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	var image bytes.Buffer
	n, err := io.Copy(&image, file)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	t0 := time.Now()
	infers, err := a.R.Infer(model, image.Bytes(), k)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNoSuchModel) {
			status = http.StatusNotFound
		}
		Error(c, status, err)
		return
	}
	elapsed := time.Since(t0)

	c.JSON(http.StatusOK, gin.H{
		"file":        header.Filename,
		"bytes":       n,
		"inference":   infers,
		"elapsed(ms)": elapsed.Milliseconds(),
	})
}

// HTTPError is the body of every failed request.
type HTTPError struct {
	Error string `json:"error"`
}

func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}

// Router wires the APIs into a gin engine.
func Router(r *Registry) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	engine.MaxMultipartMemory = 8 << 20

	a := APIs{R: r}

	inferenceGroup := engine.Group("/inference")
	{
		inferenceGroup.POST("", a.InferDefault)
		inferenceGroup.POST(":model", a.InferWithModel)
	}

	modelsGroup := engine.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":model", a.ShowModel)
	}
	return engine
}

// Serve runs the API on addr until ctx is done, then shuts down gracefully
// within timeout.
func Serve(ctx context.Context, addr string, r *Registry, timeout time.Duration) error {
	server := &http.Server{
		Addr:    addr,
		Handler: Router(r),
	}

	errc := make(chan error, 1)
	go func() {
		util.Logger.Printf("Serving %v on %s", r.Names(), addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	util.Logger.Println("Shutting down server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
